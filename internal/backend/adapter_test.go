package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pulsewire/inference-router/internal/domain"
)

type fakeCaller struct {
	mu      sync.Mutex
	calls   int
	results []error
	text    string
	block   chan struct{}
}

func (f *fakeCaller) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if call < len(f.results) && f.results[call] != nil {
		return "", f.results[call]
	}
	return f.text, nil
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHealth struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (f *fakeHealth) RecordSuccess(backend string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, backend)
}

func (f *fakeHealth) RecordFailure(backend string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, backend)
}

type fakeReclaimer struct {
	mu     sync.Mutex
	calls  []bool
	forced int
}

func (f *fakeReclaimer) MaybeReclaim(ctx context.Context, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, force)
	if force {
		f.forced++
	}
	return true
}

func testDescriptor() domain.BackendDescriptor {
	return domain.BackendDescriptor{
		Name:          "test-backend",
		Timeout:       time.Second,
		MaxConcurrent: 2,
	}
}

func testBackoff() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdapter_SuccessRecordsHealth(t *testing.T) {
	caller := &fakeCaller{text: "analysis"}
	health := &fakeHealth{}
	a := Wrap(testDescriptor(), caller, health, testBackoff(), discard())

	got, err := a.Call(context.Background(), &domain.Request{Text: "prompt"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got.Text != "analysis" {
		t.Errorf("payload = %q, want %q", got.Text, "analysis")
	}
	if got.Backend != "test-backend" {
		t.Errorf("backend = %q, want %q", got.Backend, "test-backend")
	}
	if len(health.successes) != 1 || len(health.failures) != 0 {
		t.Errorf("health = %d successes / %d failures, want 1/0",
			len(health.successes), len(health.failures))
	}
}

func TestAdapter_RetriesOverloadSignal(t *testing.T) {
	caller := &fakeCaller{
		text:    "analysis",
		results: []error{&StatusError{Code: 503}, &StatusError{Code: 529}},
	}
	health := &fakeHealth{}
	a := Wrap(testDescriptor(), caller, health, testBackoff(), discard())

	got, err := a.Call(context.Background(), &domain.Request{Text: "prompt"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got.Text != "analysis" {
		t.Errorf("payload = %q, want %q", got.Text, "analysis")
	}
	if caller.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", caller.callCount())
	}
}

func TestAdapter_NoRetryOnClientError(t *testing.T) {
	caller := &fakeCaller{results: []error{&StatusError{Code: 400}}}
	health := &fakeHealth{}
	a := Wrap(testDescriptor(), caller, health, testBackoff(), discard())

	_, err := a.Call(context.Background(), &domain.Request{Text: "prompt"})
	if err == nil {
		t.Fatal("Call() error = nil, want transport failure")
	}
	if caller.callCount() != 1 {
		t.Errorf("attempts = %d, want 1 (4xx must not retry)", caller.callCount())
	}
}

func TestAdapter_RetriesExhaustedSurfacesTransportFailure(t *testing.T) {
	caller := &fakeCaller{
		results: []error{&StatusError{Code: 500}, &StatusError{Code: 500}, &StatusError{Code: 500}},
	}
	health := &fakeHealth{}
	a := Wrap(testDescriptor(), caller, health, testBackoff(), discard())

	_, err := a.Call(context.Background(), &domain.Request{Text: "prompt"})
	if domain.KindOf(err) != domain.ErrorKindTransport {
		t.Errorf("error kind = %v, want %v", domain.KindOf(err), domain.ErrorKindTransport)
	}
	if caller.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", caller.callCount())
	}
	if len(health.failures) != 1 {
		t.Errorf("failures recorded = %d, want 1 (one per terminal failure)", len(health.failures))
	}
}

func TestAdapter_OverloadedWhenSemaphoreFull(t *testing.T) {
	desc := testDescriptor()
	desc.MaxConcurrent = 1
	block := make(chan struct{})
	caller := &fakeCaller{text: "slow", block: block}
	health := &fakeHealth{}
	a := Wrap(desc, caller, health, testBackoff(), discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Call(context.Background(), &domain.Request{Text: "first"})
	}()

	// Wait for the first call to hold the only slot.
	for caller.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, &domain.Request{Text: "second"})
	if domain.KindOf(err) != domain.ErrorKindOverloaded {
		t.Errorf("error kind = %v, want %v", domain.KindOf(err), domain.ErrorKindOverloaded)
	}

	close(block)
	<-done
}

func TestAdapter_LocalTierReclaims(t *testing.T) {
	t.Run("non-forced after success", func(t *testing.T) {
		caller := &fakeCaller{text: "ok"}
		rec := &fakeReclaimer{}
		a := Wrap(testDescriptor(), caller, &fakeHealth{}, testBackoff(), discard(), WithReclaimer(rec))

		if _, err := a.Call(context.Background(), &domain.Request{Text: "p"}); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if len(rec.calls) != 1 || rec.forced != 0 {
			t.Errorf("reclaim calls = %v, want one non-forced", rec.calls)
		}
	})

	t.Run("forced after terminal failure", func(t *testing.T) {
		caller := &fakeCaller{results: []error{errors.New("conn reset"), errors.New("conn reset"), errors.New("conn reset")}}
		rec := &fakeReclaimer{}
		a := Wrap(testDescriptor(), caller, &fakeHealth{}, testBackoff(), discard(), WithReclaimer(rec))

		if _, err := a.Call(context.Background(), &domain.Request{Text: "p"}); err == nil {
			t.Fatal("Call() error = nil, want failure")
		}
		if rec.forced != 1 {
			t.Errorf("forced reclaims = %d, want 1", rec.forced)
		}
	})
}
