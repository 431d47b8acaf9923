package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
)

func newCoordinatorUnderTest(f *fakeLedger, config ClosureConfig) *ClosureCoordinator {
	agg := NewAggregator(f, f, f)
	return NewClosureCoordinator(NewArchiver(agg, f, f, f), agg, f, f, f, f, config)
}

func fastConfig() ClosureConfig {
	return ClosureConfig{MaxAttempts: 3, RetryDelay: time.Millisecond}
}

func TestRequestClosureHappyPath(t *testing.T) {
	f := newFakeLedger()
	f.addOp(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), "ventes", 1000, core.In, core.Cash, "vente")
	c := newCoordinatorUnderTest(f, fastConfig())

	status, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"})
	if err != nil {
		t.Fatalf("RequestClosure: %v", err)
	}

	if status.LastClosedKey != "10032025" || status.LastClosedBy != "gerant" {
		t.Errorf("status = %+v, want frontier 10032025 by gerant", status)
	}
	agg := f.aggregates["10032025"]
	if !agg.Closed {
		t.Error("aggregate not marked closed")
	}
	if f.lock != nil {
		t.Error("lock still held after closure")
	}
	actions := f.eventActions()
	if len(actions) == 0 || actions[len(actions)-1] != "cloture" {
		t.Errorf("events = %v, want cloture last", actions)
	}
}

func TestRequestClosureAlreadyClosedIsIdempotent(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())

	if _, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"}); err != nil {
		t.Fatalf("first RequestClosure: %v", err)
	}
	status, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "autre"})
	if err != nil {
		t.Fatalf("second RequestClosure: %v", err)
	}
	if status.LastClosedBy != "gerant" {
		t.Errorf("idempotent closure rewrote the status: %+v", status)
	}
}

func TestRequestClosureHeldLock(t *testing.T) {
	f := newFakeLedger()
	f.lock = &core.ClosureLock{ScopeKey: ClosureScopeKey, PeriodKey: "10032025", HolderID: "concurrent"}
	c := newCoordinatorUnderTest(f, fastConfig())

	_, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"})
	var cErr *core.ConcurrencyError
	if !errors.As(err, &cErr) {
		t.Fatalf("err = %v, want *core.ConcurrencyError", err)
	}
	if cErr.HolderID != "concurrent" {
		t.Errorf("holder = %q, want concurrent", cErr.HolderID)
	}
}

func TestRequestClosureConcurrent(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"gerant", "comptable"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.RequestClosure(context.Background(), "10032025", core.Actor{ID: actor})
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var cErr *core.ConcurrencyError
		if !errors.As(err, &cErr) {
			t.Errorf("unexpected error kind: %v", err)
		}
	}
	if successes == 0 {
		t.Error("no caller managed to close the period")
	}
	if !f.aggregates["10032025"].Closed {
		t.Error("period not closed after concurrent requests")
	}
	if f.lock != nil {
		t.Error("lock leaked after concurrent requests")
	}
}

func TestRequestClosureRetryExhaustion(t *testing.T) {
	f := newFakeLedger()
	f.archiveErr = errors.New("storage unavailable")
	c := newCoordinatorUnderTest(f, fastConfig())

	_, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"})
	var rErr *core.RetryExhaustedError
	if !errors.As(err, &rErr) {
		t.Fatalf("err = %v, want *core.RetryExhaustedError", err)
	}
	if rErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rErr.Attempts)
	}
	if f.lock != nil {
		t.Error("lock still held after exhausted retries")
	}
	if f.status.LastClosedKey != "" {
		t.Errorf("frontier advanced despite failure: %+v", f.status)
	}
}

func TestRequestClosureRetryRecovers(t *testing.T) {
	f := newFakeLedger()
	f.archiveErr = errors.New("transient")
	f.archiveFail = 2
	c := newCoordinatorUnderTest(f, fastConfig())

	status, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"})
	if err != nil {
		t.Fatalf("RequestClosure: %v", err)
	}
	if status.LastClosedKey != "10032025" {
		t.Errorf("frontier = %q, want 10032025", status.LastClosedKey)
	}
}

func TestRequestClosureSequentialPolicy(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())
	actor := core.Actor{ID: "gerant"}

	if _, err := c.RequestClosure(context.Background(), "10032025", actor); err != nil {
		t.Fatalf("close 10032025: %v", err)
	}

	_, err := c.RequestClosure(context.Background(), "12032025", actor)
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("skipping a day: err = %v, want *core.ValidationError", err)
	}

	if _, err := c.RequestClosure(context.Background(), "11032025", actor); err != nil {
		t.Fatalf("close 11032025: %v", err)
	}
}

func TestRequestClosureRejectsFuturePeriod(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())
	c.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

	// The day is still running.
	_, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"})
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *core.ValidationError", err)
	}
}

func TestRequestClosureWeekDelay(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())
	// S11-2025 ends Monday 2025-03-17; the week only becomes eligible
	// 30 days later.
	c.now = func() time.Time { return time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC) }

	_, err := c.RequestClosure(context.Background(), "S11-2025", core.Actor{ID: "gerant"})
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *core.ValidationError before the delay", err)
	}

	c.now = func() time.Time { return time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC) }
	if _, err := c.RequestClosure(context.Background(), "S11-2025", core.Actor{ID: "gerant"}); err != nil {
		t.Fatalf("RequestClosure after the delay: %v", err)
	}
}

func TestReopenRequiresElevation(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())

	_, err := c.Reopen(context.Background(), "10032025", core.Actor{ID: "stagiaire"})
	var aErr *core.AuthorizationError
	if !errors.As(err, &aErr) {
		t.Fatalf("err = %v, want *core.AuthorizationError", err)
	}
}

func TestReopenRegressesFrontier(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())
	if _, err := c.RequestClosure(context.Background(), "10032025", core.Actor{ID: "gerant"}); err != nil {
		t.Fatalf("RequestClosure: %v", err)
	}

	status, err := c.Reopen(context.Background(), "10032025", core.Actor{ID: "admin", Elevated: true})
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if status.LastClosedKey != "09032025" {
		t.Errorf("frontier = %q, want 09032025", status.LastClosedKey)
	}
	if f.aggregates["10032025"].Closed {
		t.Error("aggregate still closed after reopen")
	}
	actions := f.eventActions()
	if actions[len(actions)-1] != "reouverture" {
		t.Errorf("events = %v, want reouverture last", actions)
	}
}

func TestReopenOnlyFrontier(t *testing.T) {
	f := newFakeLedger()
	c := newCoordinatorUnderTest(f, fastConfig())
	actor := core.Actor{ID: "gerant"}
	for _, key := range []string{"10032025", "11032025"} {
		if _, err := c.RequestClosure(context.Background(), key, actor); err != nil {
			t.Fatalf("close %s: %v", key, err)
		}
	}

	_, err := c.Reopen(context.Background(), "10032025", core.Actor{ID: "admin", Elevated: true})
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *core.ValidationError", err)
	}
}
