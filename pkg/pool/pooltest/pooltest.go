// Package pooltest provides in-memory resources and factories for tests of
// code built on package pool.
package pooltest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dbpoold/dbpoold/pkg/pool"
)

// ErrCreate is returned by a Factory configured to fail.
var ErrCreate = errors.New("pooltest: create failed")

// Resource is an in-memory pool.Resource that records how it was used.
type Resource struct {
	ID       int
	CloseErr error
	PingErr  error

	closed atomic.Bool
	pings  atomic.Int64

	mu     sync.Mutex
	probes []string
}

func (r *Resource) Ping(ctx context.Context) error {
	r.pings.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed.Load() {
		return errors.New("pooltest: resource closed")
	}
	return r.PingErr
}

func (r *Resource) Probe(ctx context.Context, statement string) error {
	r.mu.Lock()
	r.probes = append(r.probes, statement)
	r.mu.Unlock()
	return r.Ping(ctx)
}

func (r *Resource) Close() error {
	r.closed.Store(true)
	return r.CloseErr
}

// Closed reports whether Close was called.
func (r *Resource) Closed() bool {
	return r.closed.Load()
}

// Probes returns the statements passed to Probe.
func (r *Resource) Probes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.probes...)
}

// Factory creates Resources and keeps every one it handed out.
type Factory struct {
	mu        sync.Mutex
	created   []*Resource
	failEvery int
	calls     int

	// OnCreate, when set, runs after each successful creation with the
	// number of resources created so far.
	OnCreate func(n int)
}

// NewFactory returns a Factory that never fails.
func NewFactory() *Factory {
	return &Factory{}
}

// FailEvery makes every n-th call fail with ErrCreate.
func (f *Factory) FailEvery(n int) *Factory {
	f.mu.Lock()
	f.failEvery = n
	f.mu.Unlock()
	return f
}

// Create implements pool.Factory.
func (f *Factory) Create(ctx context.Context, url string, props map[string]string) (pool.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls++
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		f.mu.Unlock()
		return nil, ErrCreate
	}
	r := &Resource{ID: len(f.created) + 1}
	f.created = append(f.created, r)
	n := len(f.created)
	hook := f.OnCreate
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return r, nil
}

// Created returns every resource created so far.
func (f *Factory) Created() []*Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Resource(nil), f.created...)
}

// Open returns the number of created resources that are not closed.
func (f *Factory) Open() int {
	open := 0
	for _, r := range f.Created() {
		if !r.Closed() {
			open++
		}
	}
	return open
}

// Fill admits n fresh handles into p and returns them.
func Fill(p *pool.Pool, n int) []*pool.Handle {
	handles := make([]*pool.Handle, 0, n)
	for i := 0; i < n; i++ {
		h := pool.NewHandle(p, &Resource{ID: i + 1})
		if !p.Release(h) {
			break
		}
		handles = append(handles, h)
	}
	return handles
}
