package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dripper/internal/domain"
)

type fakePool struct {
	mu       sync.Mutex
	bindings map[string]string
}

func newFakePool(bindings map[string]string) *fakePool {
	return &fakePool{bindings: bindings}
}

func (f *fakePool) Rebind(identityID, proxyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[identityID] = proxyID
}

func (f *fakePool) BoundTo(proxyID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, p := range f.bindings {
		if p == proxyID {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakePool) binding(identityID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindings[identityID]
}

func prx(id, tenant string) domain.Proxy {
	return domain.Proxy{ID: id, TenantID: tenant, Address: id + ".example:1080", Protocol: "socks5", Health: domain.ProxyHealthy}
}

func TestEnsureBindingSticky(t *testing.T) {
	pool := newFakePool(map[string]string{"chip_a": "prx_1"})
	a := NewAllocator(3, nil, pool)
	a.Sync([]domain.Proxy{prx("prx_1", "t1"), prx("prx_2", "t1")})

	got, err := a.EnsureBinding(context.Background(), "t1", "chip_a", "prx_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "prx_1" {
		t.Fatalf("healthy binding must stay sticky, got %s", got)
	}
}

func TestThreeFailuresQuarantineAndRebind(t *testing.T) {
	pool := newFakePool(map[string]string{"chip_a": "prx_1", "chip_b": "prx_1"})
	a := NewAllocator(3, nil, pool)
	a.Sync([]domain.Proxy{prx("prx_1", "t1"), prx("prx_2", "t1")})
	ctx := context.Background()

	a.ReportFailure(ctx, "prx_1")
	a.ReportFailure(ctx, "prx_1")
	if pool.binding("chip_a") != "prx_1" {
		t.Fatalf("below threshold, bindings must not move")
	}
	a.ReportFailure(ctx, "prx_1")

	for _, id := range []string{"chip_a", "chip_b"} {
		if pool.binding(id) != "prx_2" {
			t.Fatalf("%s should be rebound to prx_2, got %s", id, pool.binding(id))
		}
	}

	// Quarantined proxy is never handed out again.
	got, err := a.EnsureBinding(ctx, "t1", "chip_c", "prx_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "prx_2" {
		t.Fatalf("expected rebinding away from failed proxy, got %s", got)
	}
}

func TestNoProxyAvailable(t *testing.T) {
	pool := newFakePool(map[string]string{})
	a := NewAllocator(3, nil, pool)
	a.Sync([]domain.Proxy{prx("prx_1", "t1")})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.ReportFailure(ctx, "prx_1")
	}
	_, err := a.EnsureBinding(ctx, "t1", "chip_a", "")
	if !errors.Is(err, domain.ErrNoProxyAvailable) {
		t.Fatalf("expected NoProxyAvailable, got %v", err)
	}
}

func TestRebindPicksLeastRecentlyAssigned(t *testing.T) {
	pool := newFakePool(map[string]string{})
	a := NewAllocator(3, nil, pool)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	old := base.Add(-2 * time.Hour)
	recent := base.Add(-time.Minute)
	a.Sync([]domain.Proxy{
		{ID: "prx_old", TenantID: "t1", Address: "a:1", Protocol: "socks5", Health: domain.ProxyHealthy, LastAssignedAt: &old},
		{ID: "prx_new", TenantID: "t1", Address: "b:1", Protocol: "socks5", Health: domain.ProxyHealthy, LastAssignedAt: &recent},
	})

	got, err := a.EnsureBinding(context.Background(), "t1", "chip_a", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "prx_old" {
		t.Fatalf("expected least-recently-assigned prx_old, got %s", got)
	}
}

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Probe(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestProbeRestoresFailedProxy(t *testing.T) {
	pool := newFakePool(map[string]string{})
	a := NewAllocator(3, nil, pool)
	a.Sync([]domain.Proxy{prx("prx_1", "t1")})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.ReportFailure(ctx, "prx_1")
	}

	prober := &fakeProber{err: errors.New("still down")}
	a.probeFailed(ctx, prober)
	if _, err := a.EnsureBinding(ctx, "t1", "chip_a", ""); !errors.Is(err, domain.ErrNoProxyAvailable) {
		t.Fatalf("proxy should stay failed while probe fails, got %v", err)
	}

	prober.mu.Lock()
	prober.err = nil
	prober.mu.Unlock()
	a.probeFailed(ctx, prober)
	got, err := a.EnsureBinding(ctx, "t1", "chip_a", "")
	if err != nil || got != "prx_1" {
		t.Fatalf("expected restored prx_1, got %s err %v", got, err)
	}
}
