// Package api serves the admin HTTP surface of a running pool: statistics,
// sizer control and a websocket statistics stream.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dbpoold/dbpoold/pkg/manager"
	"github.com/dbpoold/dbpoold/pkg/sizer"
)

const (
	maxRequestSize      = 4096
	defaultStreamPeriod = 5 * time.Second
	streamWriteTimeout  = 10 * time.Second
	streamPongTimeout   = 60 * time.Second
)

// PoolManager is the part of manager.Manager the admin API needs.
type PoolManager interface {
	Stats() (manager.Stats, error)
	Signal(sig manager.SizerSignal) error
}

// AdminAPI provides the admin HTTP routes
type AdminAPI struct {
	manager      PoolManager
	router       *mux.Router
	upgrader     websocket.Upgrader
	streamPeriod time.Duration
	logger       zerolog.Logger
}

// NewAdminAPI creates the admin API. streamPeriod is the interval between
// frames of the stats stream.
func NewAdminAPI(mgr PoolManager, streamPeriod time.Duration, logger zerolog.Logger) *AdminAPI {
	if streamPeriod <= 0 {
		streamPeriod = defaultStreamPeriod
	}
	api := &AdminAPI{
		manager:      mgr,
		router:       mux.NewRouter(),
		streamPeriod: streamPeriod,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	api.setupRoutes()
	return api
}

// GetRouter returns the configured router
func (api *AdminAPI) GetRouter() *mux.Router {
	return api.router
}

func (api *AdminAPI) setupRoutes() {
	v1 := api.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", api.handleHealth).Methods("GET")
	v1.HandleFunc("/pool/stats", api.handleStats).Methods("GET")
	v1.HandleFunc("/pool/stats/stream", api.handleStatsStream).Methods("GET")
	v1.HandleFunc("/sizer/signal", api.handleSignal).Methods("POST")
}

func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := api.manager.Stats()
	if err != nil {
		api.writeErrorResponse(w, http.StatusServiceUnavailable, "Pool not available", err)
		return
	}

	status := "ok"
	code := http.StatusOK
	if stats.Pool.Closed || stats.Sizer.State == sizer.StateTerminated.String() {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	api.writeJSONResponse(w, code, HealthResponse{
		Status:       status,
		SizerState:   stats.Sizer.State,
		Idle:         stats.Pool.Idle,
		ManagedCount: stats.Sizer.ManagedCount,
		Timestamp:    time.Now(),
	})
}

func (api *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.manager.Stats()
	if err != nil {
		api.writeErrorResponse(w, http.StatusServiceUnavailable, "Pool not available", err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, stats)
}

func (api *AdminAPI) handleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		api.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateSignalRequest(body); err != nil {
		api.writeErrorResponse(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	var req SignalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := api.manager.Signal(req.Signal); err != nil {
		switch {
		case errors.Is(err, sizer.ErrTerminated):
			api.writeErrorResponse(w, http.StatusConflict, "Sizer is terminated", err)
		case errors.Is(err, manager.ErrNotInitialized):
			api.writeErrorResponse(w, http.StatusServiceUnavailable, "Pool not available", err)
		default:
			api.writeErrorResponse(w, http.StatusInternalServerError, "Failed to apply signal", err)
		}
		return
	}

	api.logger.Info().Str("signal", string(req.Signal)).Msg("Sizer signal applied")

	resp := SignalResponse{Signal: req.Signal}
	if stats, err := api.manager.Stats(); err == nil {
		resp.State = stats.Sizer.State
	}
	api.writeJSONResponse(w, http.StatusOK, resp)
}

// handleStatsStream pushes a StatsMessage every stream period until the
// client goes away.
func (api *AdminAPI) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to upgrade stats stream")
		return
	}
	defer conn.Close()

	// Reads only to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxRequestSize)
		conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					api.logger.Debug().Err(err).Msg("Stats stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(api.streamPeriod)
	defer ticker.Stop()

	for {
		if err := api.writeStats(conn); err != nil {
			api.logger.Debug().Err(err).Msg("Stats stream closed")
			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (api *AdminAPI) writeStats(conn *websocket.Conn) error {
	stats, err := api.manager.Stats()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(StatsMessage{Stats: stats, Timestamp: time.Now()})
}

func (api *AdminAPI) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (api *AdminAPI) writeErrorResponse(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := ErrorResponse{
		Error: Error{
			Code:      status,
			Message:   message,
			Timestamp: time.Now(),
		},
	}

	if err != nil {
		errorResponse.Error.Details = err.Error()
		api.logger.Warn().Err(err).Str("message", message).Msg("API error")
	}

	api.writeJSONResponse(w, status, errorResponse)
}
