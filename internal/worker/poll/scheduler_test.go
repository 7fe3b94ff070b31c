package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fansync/internal/model"
)

// --- モック定義 ---

type mockEngine struct {
	mu       sync.Mutex
	result   map[string]map[string]struct{}
	ruleSets map[string]model.RuleSet
	calls    int
}

func (m *mockEngine) ComputeMembership(_ context.Context) map[string]map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.result
}

func (m *mockEngine) RuleSets() map[string]model.RuleSet {
	return m.ruleSets
}

func (m *mockEngine) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type reconcileCall struct {
	destination string
	policy      model.ExpiryPolicy
	size        int
}

type mockReconciler struct {
	mu    sync.Mutex
	calls []reconcileCall
	err   error
}

func (m *mockReconciler) Reconcile(_ context.Context, destination string, entitled map[string]struct{}, policy model.ExpiryPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, reconcileCall{destination: destination, policy: policy, size: len(entitled)})
	return m.err
}

func newTestScheduler(engine *mockEngine, reconciler *mockReconciler) *Scheduler {
	return NewScheduler(engine, reconciler, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestRunOnce_ReconcilesEveryDestinationWithItsPolicy(t *testing.T) {
	engine := &mockEngine{
		result: map[string]map[string]struct{}{
			"members": {"A": {}, "B": {}},
			"vip":     {"B": {}},
		},
		ruleSets: map[string]model.RuleSet{
			"members": {OnExpiry: model.ExpiryRemove},
			"vip":     {OnExpiry: model.ExpiryIgnore},
		},
	}
	reconciler := &mockReconciler{}

	newTestScheduler(engine, reconciler).RunOnce(context.Background())

	if len(reconciler.calls) != 2 {
		t.Fatalf("reconcile calls = %d, want 2", len(reconciler.calls))
	}
	byDest := make(map[string]reconcileCall)
	for _, c := range reconciler.calls {
		byDest[c.destination] = c
	}
	if byDest["members"].policy != model.ExpiryRemove || byDest["members"].size != 2 {
		t.Errorf("members call = %+v, want remove policy with 2 entitled", byDest["members"])
	}
	if byDest["vip"].policy != model.ExpiryIgnore || byDest["vip"].size != 1 {
		t.Errorf("vip call = %+v, want ignore policy with 1 entitled", byDest["vip"])
	}
}

// 評価結果に含まれない宛先には差分適用を行わない。
// 取得失敗で評価をスキップした宛先に空集合を適用すると全員剥奪になるため。
func TestRunOnce_SkippedDestinationIsNotReconciled(t *testing.T) {
	engine := &mockEngine{
		result: map[string]map[string]struct{}{
			"backstage": {"B": {}},
		},
		ruleSets: map[string]model.RuleSet{
			"members":   {OnExpiry: model.ExpiryExclude},
			"backstage": {OnExpiry: model.ExpiryIgnore},
		},
	}
	reconciler := &mockReconciler{}

	newTestScheduler(engine, reconciler).RunOnce(context.Background())

	if len(reconciler.calls) != 1 {
		t.Fatalf("reconcile calls = %d, want 1", len(reconciler.calls))
	}
	if reconciler.calls[0].destination != "backstage" {
		t.Errorf("reconciled destination = %q, want %q", reconciler.calls[0].destination, "backstage")
	}
}

func TestRunOnce_ReconcileFailureDoesNotAbortOtherDestinations(t *testing.T) {
	engine := &mockEngine{
		result: map[string]map[string]struct{}{
			"members": {},
			"vip":     {},
		},
		ruleSets: map[string]model.RuleSet{},
	}
	reconciler := &mockReconciler{err: errors.New("destination down")}

	newTestScheduler(engine, reconciler).RunOnce(context.Background())

	if len(reconciler.calls) != 2 {
		t.Errorf("reconcile calls = %d, want 2 despite failures", len(reconciler.calls))
	}
}

func TestStart_RunsImmediatelyThenOnTicks(t *testing.T) {
	engine := &mockEngine{
		result:   map[string]map[string]struct{}{},
		ruleSets: map[string]model.RuleSet{},
	}
	scheduler := newTestScheduler(engine, &mockReconciler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx, 20*time.Millisecond)
		close(done)
	}()

	// 起動直後の1回 + ティック数回を待つ
	deadline := time.After(2 * time.Second)
	for engine.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler did not run enough cycles in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
}
