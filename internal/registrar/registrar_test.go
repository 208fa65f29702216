package registrar

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/orbiq/internal/domain"
)

func newConn(id, tenant, endpoint string) *domain.ConnectionInfo {
	return &domain.ConnectionInfo{
		ConnectionID:   id,
		TenantID:       tenant,
		Endpoint:       endpoint,
		OpenedAt:       time.Now(),
		ShutdownSignal: make(chan domain.ShutdownNotice, 1),
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	r := New()
	conn := newConn("c1", "t1", "/v1/analytics/query")

	if err := r.Register(conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.Stats().Total; got != 1 {
		t.Fatalf("expected 1 live connection, got %d", got)
	}

	r.Unregister("c1")
	if got := r.Stats().Total; got != 0 {
		t.Fatalf("expected 0 live connections after unregister, got %d", got)
	}
}

func TestRegisterRefusedDuringShutdown(t *testing.T) {
	r := New()
	r.InitiateShutdown(0)

	if err := r.Register(newConn("late", "t1", "/x")); err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestTrackGuaranteesUnregisterOnError(t *testing.T) {
	r := New()
	conn := newConn("c1", "t1", "/x")

	err := r.Track(context.Background(), conn, func(ctx context.Context) error {
		return context.Canceled
	})
	if err != context.Canceled {
		t.Fatalf("expected the wrapped error to propagate, got %v", err)
	}
	if got := r.Stats().Total; got != 0 {
		t.Fatalf("expected Track to unregister even on error, got %d live", got)
	}
}

func TestTrackGuaranteesUnregisterOnSuccess(t *testing.T) {
	r := New()
	conn := newConn("c1", "t1", "/x")

	err := r.Track(context.Background(), conn, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.Stats().Total; got != 0 {
		t.Fatalf("expected Track to unregister on success, got %d live", got)
	}
}

func TestInitiateShutdownNotifiesLiveConnectionsAndDrains(t *testing.T) {
	r := New()
	conn := newConn("c1", "t1", "/x")
	r.Register(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case notice := <-conn.ShutdownSignal:
			if notice.ReconnectDelaySeconds != 5 {
				t.Errorf("expected reconnect delay 5, got %d", notice.ReconnectDelaySeconds)
			}
			r.Unregister("c1")
		case <-time.After(time.Second):
			t.Error("expected to receive a shutdown notice")
		}
	}()

	drained := r.InitiateShutdown(5)
	<-done
	if !drained {
		t.Fatal("expected the registry to drain within the grace window")
	}
}

func TestInitiateShutdownTimesOutIfConnectionNeverDrains(t *testing.T) {
	r := New()
	r.Register(newConn("stuck", "t1", "/x"))

	drained := r.InitiateShutdown(0)
	if drained {
		t.Fatal("expected shutdown to report undrained when a connection never unregisters")
	}
	if !r.IsShuttingDown() {
		t.Fatal("expected IsShuttingDown to remain true")
	}
}

func TestInitiateShutdownIsIdempotent(t *testing.T) {
	r := New()
	conn := newConn("c1", "t1", "/x")
	r.Register(conn)

	go r.InitiateShutdown(1)
	time.Sleep(10 * time.Millisecond)

	// A second caller joins the same drain instead of starting a fresh
	// notify cycle (which would double-send on the buffered channel).
	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Unregister("c1")
	}()

	drained := r.InitiateShutdown(1)
	if !drained {
		t.Fatal("expected the second InitiateShutdown call to observe the drain")
	}
}

func TestStatsGroupsByTenantAndEndpoint(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "t1", "/v1/analytics/query"))
	r.Register(newConn("c2", "t1", "/v1/analytics/query"))
	r.Register(newConn("c3", "t2", "/v1/queue/x/status"))

	stats := r.Stats()
	if stats.Total != 3 {
		t.Fatalf("expected 3 total, got %d", stats.Total)
	}
	if stats.ByTenant["t1"] != 2 || stats.ByTenant["t2"] != 1 {
		t.Fatalf("unexpected tenant breakdown: %+v", stats.ByTenant)
	}
	if stats.ByEndpoint["/v1/analytics/query"] != 2 {
		t.Fatalf("unexpected endpoint breakdown: %+v", stats.ByEndpoint)
	}
}
