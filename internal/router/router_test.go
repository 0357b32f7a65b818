package router

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulsewire/inference-router/internal/backend"
	"github.com/pulsewire/inference-router/internal/domain"
	"github.com/pulsewire/inference-router/internal/embedding"
	"github.com/pulsewire/inference-router/internal/health"
	"github.com/pulsewire/inference-router/internal/simcache"
)

type fakeAdapter struct {
	mu    sync.Mutex
	desc  domain.BackendDescriptor
	calls int
	text  string
	err   error
}

func (f *fakeAdapter) Name() string {
	return f.desc.Name
}

func (f *fakeAdapter) Descriptor() domain.BackendDescriptor {
	return f.desc
}

func (f *fakeAdapter) Call(ctx context.Context, req *domain.Request) (*domain.Payload, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Payload{Text: f.text, Backend: f.desc.Name}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedOutcome struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordedOutcome) Record(ctx context.Context, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

type fixture struct {
	router  *Router
	local   *fakeAdapter
	cloudA  *fakeAdapter
	cloudB  *fakeAdapter
	tracker *health.Tracker
	cache   *simcache.Cache
}

func newFixture(t *testing.T, opts ...RouterOption) *fixture {
	t.Helper()

	local := &fakeAdapter{
		desc: domain.BackendDescriptor{Name: "local", Local: true},
		text: "local analysis",
	}
	cloudA := &fakeAdapter{
		desc: domain.BackendDescriptor{Name: "cloud-a", Tier: 1, Metered: true},
		text: "cloud-a analysis",
	}
	cloudB := &fakeAdapter{
		desc: domain.BackendDescriptor{Name: "cloud-b", Tier: 2, Metered: true},
		text: "cloud-b analysis",
	}

	descs := []domain.BackendDescriptor{local.desc, cloudA.desc, cloudB.desc}
	tracker := health.New(
		health.Config{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: time.Minute},
		descs,
		map[string]health.QuotaConfig{
			"cloud-a": {Allowance: 2, Window: 24 * time.Hour},
			"cloud-b": {Allowance: 100, Window: 24 * time.Hour},
		},
	)

	cache := simcache.New(simcache.Config{
		SimilarityThreshold:  0.95,
		CapacityPerPartition: 100,
		TTL:                  time.Hour,
	})

	embedder, err := embedding.New()
	if err != nil {
		t.Fatalf("embedding.New() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Deliberately out of order; New must put local first, then by tier.
	r := New(
		[]backend.Adapter{cloudB, local, cloudA},
		tracker, cache, embedder,
		Config{LocalMaxInputTokens: 100},
		logger, opts...,
	)

	return &fixture{router: r, local: local, cloudA: cloudA, cloudB: cloudB, tracker: tracker, cache: cache}
}

func TestRouter_LocalSuccessPopulatesCache(t *testing.T) {
	f := newFixture(t)
	req := &domain.Request{Text: "fed cuts rates", Partition: "markets"}

	got, err := f.router.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got.Backend != "local" {
		t.Errorf("backend = %q, want local", got.Backend)
	}
	if f.cloudA.callCount()+f.cloudB.callCount() != 0 {
		t.Error("cloud tiers were called despite local success")
	}

	// Same text again must be served from cache without a backend call.
	again, err := f.router.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("Route() error on cached request = %v", err)
	}
	if !again.FromCache {
		t.Error("second identical request was not a cache hit")
	}
	if f.local.callCount() != 1 {
		t.Errorf("local calls = %d, want 1 (second served from cache)", f.local.callCount())
	}
}

func TestRouter_ExpiredDeadlineFailsWithoutCalls(t *testing.T) {
	f := newFixture(t)
	req := &domain.Request{
		Text:     "stale request",
		Deadline: time.Now().Add(-time.Second),
	}

	_, err := f.router.Route(context.Background(), req)
	if domain.KindOf(err) != domain.ErrorKindDeadlineExceeded {
		t.Errorf("error kind = %v, want %v", domain.KindOf(err), domain.ErrorKindDeadlineExceeded)
	}
	if n := f.local.callCount() + f.cloudA.callCount() + f.cloudB.callCount(); n != 0 {
		t.Errorf("backend calls = %d after expired deadline, want 0", n)
	}
	// Quota must not be consumed either.
	if got := f.tracker.Snapshot()["cloud-a"].QuotaRemaining; got != 2 {
		t.Errorf("cloud-a quota = %d, want untouched 2", got)
	}
}

func TestRouter_FallsThroughToCloudB(t *testing.T) {
	f := newFixture(t)

	// Open the local breaker and exhaust cloud-a's quota.
	for i := 0; i < 5; i++ {
		f.tracker.RecordFailure("local")
	}
	f.tracker.TryConsumeQuota("cloud-a")
	f.tracker.TryConsumeQuota("cloud-a")

	got, err := f.router.Route(context.Background(), &domain.Request{Text: "breaking news"})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got.Backend != "cloud-b" {
		t.Errorf("backend = %q, want cloud-b", got.Backend)
	}
	if f.local.callCount() != 0 {
		t.Error("local was called with an open breaker")
	}
	if f.cloudA.callCount() != 0 {
		t.Error("cloud-a was called with exhausted quota")
	}
}

func TestRouter_AllBackendsUnavailable(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"local", "cloud-a", "cloud-b"} {
		for i := 0; i < 5; i++ {
			f.tracker.RecordFailure(name)
		}
	}

	_, err := f.router.Route(context.Background(), &domain.Request{Text: "anything"})
	if domain.KindOf(err) != domain.ErrorKindAllBackendsUnavailable {
		t.Errorf("error kind = %v, want %v", domain.KindOf(err), domain.ErrorKindAllBackendsUnavailable)
	}
}

func TestRouter_BreakerSkipReturnsQuota(t *testing.T) {
	f := newFixture(t)

	// Local and cloud-a are refused by their breakers; cloud-b serves.
	for _, name := range []string{"local", "cloud-a"} {
		for i := 0; i < 5; i++ {
			f.tracker.RecordFailure(name)
		}
	}

	got, err := f.router.Route(context.Background(), &domain.Request{Text: "breaking news"})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got.Backend != "cloud-b" {
		t.Errorf("backend = %q, want cloud-b", got.Backend)
	}
	if f.cloudA.callCount() != 0 {
		t.Error("cloud-a was called with an open breaker")
	}
	// The skipped candidate made no call, so its allowance is untouched.
	if got := f.tracker.Snapshot()["cloud-a"].QuotaRemaining; got != 2 {
		t.Errorf("cloud-a quota = %d after breaker skip, want 2", got)
	}
}

func TestRouter_AllAttemptsFail(t *testing.T) {
	f := newFixture(t)
	f.local.err = domain.ErrTransport("local", context.DeadlineExceeded)
	f.cloudA.err = domain.ErrTransport("cloud-a", context.DeadlineExceeded)
	f.cloudB.err = domain.ErrTransport("cloud-b", context.DeadlineExceeded)

	_, err := f.router.Route(context.Background(), &domain.Request{Text: "doomed"})
	if domain.KindOf(err) != domain.ErrorKindAllBackendsUnavailable {
		t.Errorf("error kind = %v, want %v", domain.KindOf(err), domain.ErrorKindAllBackendsUnavailable)
	}
	if f.local.callCount() != 1 || f.cloudA.callCount() != 1 || f.cloudB.callCount() != 1 {
		t.Error("normal priority should attempt every candidate once")
	}
}

func TestRouter_LowPriorityAttemptsOneCandidate(t *testing.T) {
	f := newFixture(t)
	f.local.err = domain.ErrTransport("local", context.DeadlineExceeded)

	_, err := f.router.Route(context.Background(), &domain.Request{
		Text:     "minor item",
		Priority: domain.PriorityLow,
	})
	if domain.KindOf(err) != domain.ErrorKindAllBackendsUnavailable {
		t.Errorf("error kind = %v, want %v", domain.KindOf(err), domain.ErrorKindAllBackendsUnavailable)
	}
	if f.local.callCount() != 1 {
		t.Errorf("local calls = %d, want 1", f.local.callCount())
	}
	if f.cloudA.callCount()+f.cloudB.callCount() != 0 {
		t.Error("low priority advanced past its single attempt")
	}
}

func TestRouter_LongInputSkipsLocalTier(t *testing.T) {
	f := newFixture(t)

	longText := strings.Repeat("inflation outlook and monetary policy commentary ", 50)
	got, err := f.router.Route(context.Background(), &domain.Request{Text: longText})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got.Backend != "cloud-a" {
		t.Errorf("backend = %q, want cloud-a (local skipped on length)", got.Backend)
	}
	if f.local.callCount() != 0 {
		t.Error("local was called for an over-length input")
	}
}

func TestRouter_RecordsOutcomes(t *testing.T) {
	rec := &recordedOutcome{}
	f := newFixture(t, WithRecorder(rec))

	if _, err := f.router.Route(context.Background(), &domain.Request{Text: "item", Partition: "acme"}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(rec.outcomes))
	}
	o := rec.outcomes[0]
	if o.Backend != "local" || o.Partition != "acme" || o.CacheHit {
		t.Errorf("outcome = %+v, want local/acme/no-cache-hit", o)
	}
}
