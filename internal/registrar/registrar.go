// Package registrar implements the connection registrar: it tracks live
// event-stream connections, refuses new admissions once a shutdown has
// begun, and coordinates a graceful drain within a bounded grace window.
package registrar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/logging"
)

// ErrShuttingDown is returned by Register once a shutdown has begun; no
// further connections are admitted after that point.
var ErrShuttingDown = errors.New("registrar: shutting down, no new connections admitted")

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Total            int
	ByEndpoint       map[string]int
	ByTenant         map[string]int
	OldestAgeSeconds float64
	IsShuttingDown   bool
}

// Registrar tracks live connections under a single mutex, matching the
// circuit breaker registry's single-lock discipline.
type Registrar struct {
	mu           sync.Mutex
	conns        map[string]*domain.ConnectionInfo
	shuttingDown bool
	drained      chan struct{} // closed once the registry empties during a shutdown
}

// New creates an empty Registrar.
func New() *Registrar {
	return &Registrar{
		conns: make(map[string]*domain.ConnectionInfo),
	}
}

// Register admits a connection unless a shutdown is already in progress.
func (r *Registrar) Register(info *domain.ConnectionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return ErrShuttingDown
	}
	r.conns[info.ConnectionID] = info
	return nil
}

// Unregister removes a connection. If a shutdown is in progress and the
// registry becomes empty as a result, it signals drain completion.
func (r *Registrar) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connectionID)
	if r.shuttingDown && len(r.conns) == 0 && r.drained != nil {
		select {
		case <-r.drained:
			// already closed by a concurrent unregister
		default:
			close(r.drained)
		}
	}
}

// Track is the scoped-acquisition form: it registers info, runs fn, and
// guarantees Unregister on every exit path, error or not.
func (r *Registrar) Track(ctx context.Context, info *domain.ConnectionInfo, fn func(ctx context.Context) error) error {
	if err := r.Register(info); err != nil {
		return err
	}
	defer r.Unregister(info.ConnectionID)
	return fn(ctx)
}

// InitiateShutdown sets the shutdown flag, notifies every live connection
// over its shutdown channel, and waits up to graceSeconds for the registry
// to empty. It returns true if the registry fully drained within the grace
// window. Calling it again while a shutdown is already underway joins the
// same drain wait rather than re-notifying connections, preserving the "at
// most one shutdown coordinator" invariant.
func (r *Registrar) InitiateShutdown(graceSeconds int) bool {
	r.mu.Lock()
	alreadyShuttingDown := r.shuttingDown
	if !alreadyShuttingDown {
		r.shuttingDown = true
		r.drained = make(chan struct{})
		if len(r.conns) == 0 {
			close(r.drained)
		}
	}
	drained := r.drained
	notice := domain.ShutdownNotice{
		Message:               "server is shutting down",
		ReconnectDelaySeconds: graceSeconds,
	}
	var targets []chan domain.ShutdownNotice
	if !alreadyShuttingDown {
		for _, info := range r.conns {
			if info.ShutdownSignal != nil {
				targets = append(targets, info.ShutdownSignal)
			}
		}
	}
	r.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- notice:
		default:
			// producer isn't listening yet; it will see shuttingDown
			// on its next poll and terminate cleanly regardless.
		}
	}

	if !alreadyShuttingDown {
		logging.Op().Info("registrar shutdown initiated",
			"grace_seconds", graceSeconds,
			"live_connections", len(targets),
		)
	}

	select {
	case <-drained:
		return true
	case <-time.After(time.Duration(graceSeconds) * time.Second):
		return false
	}
}

// IsShuttingDown reports whether a shutdown is in progress.
func (r *Registrar) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// Stats returns a point-in-time snapshot of the registry.
func (r *Registrar) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Total:          len(r.conns),
		ByEndpoint:     make(map[string]int),
		ByTenant:       make(map[string]int),
		IsShuttingDown: r.shuttingDown,
	}

	now := time.Now()
	oldest := now
	for _, info := range r.conns {
		stats.ByEndpoint[info.Endpoint]++
		stats.ByTenant[info.TenantID]++
		if info.OpenedAt.Before(oldest) {
			oldest = info.OpenedAt
		}
	}
	if stats.Total > 0 {
		stats.OldestAgeSeconds = now.Sub(oldest).Seconds()
	}
	return stats
}
