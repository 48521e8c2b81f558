package notify

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *captureSink) Deliver(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func TestMemoryDeduperWindow(t *testing.T) {
	d := &memoryDeduper{seen: map[string]time.Time{}, now: time.Now}
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	current := base
	d.now = func() time.Time { return current }

	if !d.First(context.Background(), "alert:acme:tenant_unhealthy", time.Hour) {
		t.Fatal("first occurrence must fire")
	}
	if d.First(context.Background(), "alert:acme:tenant_unhealthy", time.Hour) {
		t.Fatal("repeat within window must not fire")
	}
	if !d.First(context.Background(), "alert:acme:backup_failed", time.Hour) {
		t.Fatal("different key must fire independently")
	}

	current = base.Add(61 * time.Minute)
	if !d.First(context.Background(), "alert:acme:tenant_unhealthy", time.Hour) {
		t.Fatal("occurrence after window lapse must fire again")
	}
}

func TestPublishDeduplicatesPerTenantAndType(t *testing.T) {
	sink := &captureSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(NewMemoryDeduper(), sink, log, time.Hour)

	alert := Alert{Type: TypeTenantUnhealthy, TenantID: "t-1", TenantCode: "acme", Message: "container acme-api is exited"}
	svc.Publish(context.Background(), alert)
	svc.Publish(context.Background(), alert)
	svc.Publish(context.Background(), Alert{Type: TypeBackupFailed, TenantCode: "acme"})
	svc.Publish(context.Background(), Alert{Type: TypeTenantUnhealthy, TenantCode: "globex"})

	if got := sink.count(); got != 3 {
		t.Fatalf("expected 3 delivered alerts, got %d", got)
	}
}
