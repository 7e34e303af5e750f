package provider

import (
	"context"
	"sync"
	"time"

	"marketfeed/internal/logger"
)

type Status int

const (
	StatusActive Status = iota
	StatusInactive
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultMaxErrors is the consecutive-failure threshold that trips a provider into ERROR.
const DefaultMaxErrors = 3

// Health is the local state machine of one registered provider.
//
// ACTIVE -> ERROR once errorCount reaches maxErrors; any success returns to ACTIVE.
// INACTIVE is an operator override: only Activate leaves it.
type Health struct {
	mu         sync.Mutex
	name       string
	status     Status
	errorCount int
	maxErrors  int
	lastCheck  time.Time
}

func NewHealth(name string, maxErrors int) *Health {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Health{name: name, maxErrors: maxErrors, status: StatusActive}
}

// HealthSnapshot is a point-in-time copy for status reporting.
type HealthSnapshot struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ErrorCount int       `json:"error_count"`
	MaxErrors  int       `json:"max_errors"`
	LastCheck  time.Time `json:"last_check"`
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Name:       h.name,
		Status:     h.status.String(),
		ErrorCount: h.errorCount,
		MaxErrors:  h.maxErrors,
		LastCheck:  h.lastCheck,
	}
}

func (h *Health) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Health) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCount
}

// RecordSuccess clears the error count and returns an ERROR provider to ACTIVE.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.lastCheck = time.Now()
	if h.status == StatusError {
		h.transition(StatusActive)
	}
}

// RecordError counts one failure and trips to ERROR at the threshold.
func (h *Health) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastCheck = time.Now()
	if h.errorCount >= h.maxErrors && h.status == StatusActive {
		h.transition(StatusError)
	}
}

// Deactivate takes the provider out of rotation regardless of its error count.
func (h *Health) Deactivate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusInactive {
		h.transition(StatusInactive)
	}
}

// Activate is the explicit operator reset: ACTIVE with a zero error count.
func (h *Health) Activate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	if h.status != StatusActive {
		h.transition(StatusActive)
	}
}

// Usable re-derives ERROR from the counter and reports whether the provider
// may be tried at all. It makes no network call.
func (h *Health) Usable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusInactive {
		return false
	}
	if h.errorCount >= h.maxErrors {
		if h.status != StatusError {
			h.transition(StatusError)
		}
		return false
	}
	return h.status == StatusActive
}

// Available is Usable followed by the provider's own health check. A panicking
// check counts as unhealthy.
func (h *Health) Available(ctx context.Context, check func(context.Context) bool) (ok bool) {
	if !h.Usable() {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warnf("provider %s health check panicked: %v", h.name, rec)
			ok = false
		}
	}()
	return check(ctx)
}

func (h *Health) transition(to Status) {
	from := h.status
	h.status = to
	logger.Warnf("provider %s state change: %s -> %s (errors=%d/%d)", h.name, from, to, h.errorCount, h.maxErrors)
}
