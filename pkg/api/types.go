package api

import (
	"time"

	"github.com/dbpoold/dbpoold/pkg/manager"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalRequest asks the sizer to change state or re-evaluate.
type SignalRequest struct {
	Signal manager.SizerSignal `json:"signal"`
}

// SignalResponse reports the sizer state after a signal was applied.
type SignalResponse struct {
	Signal manager.SizerSignal `json:"signal"`
	State  string              `json:"state"`
}

// HealthResponse represents the health endpoint body
type HealthResponse struct {
	Status       string    `json:"status"`
	SizerState   string    `json:"sizer_state"`
	Idle         int       `json:"idle"`
	ManagedCount int       `json:"managed_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatsMessage is one frame of the stats stream.
type StatsMessage struct {
	Stats     manager.Stats `json:"stats"`
	Timestamp time.Time     `json:"timestamp"`
}
