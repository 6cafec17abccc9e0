package pipeline

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/gradolab/tagline/config"
	"github.com/gradolab/tagline/internal/store"
)

var testEpoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock for debounce scenarios.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPipeline(fs *fakeStore, fp *fakeProvider) (*Pipeline, *testClock) {
	clk := &testClock{now: testEpoch}
	p := New(config.PipelineConfig{}, fs, fp, nil, log.New(io.Discard, "", 0))
	p.Now = clk.Now
	return p, clk
}

func TestTouchAssignmentOpensWindow(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, &fakeProvider{})

	if err := p.TouchAssignment(context.Background(), "t1", "a1"); err != nil {
		t.Fatalf("TouchAssignment: %v", err)
	}
	st := fs.states[stateKey{"t1", "a1"}]
	if st.Status != store.StatePending || !st.Dirty {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.WindowStartedAt == nil || !st.WindowStartedAt.Equal(testEpoch) {
		t.Fatalf("window start not set: %+v", st.WindowStartedAt)
	}
	if st.NextRunAt == nil || !st.NextRunAt.Equal(testEpoch.Add(5*time.Minute)) {
		t.Fatalf("next run not quiet-window out: %+v", st.NextRunAt)
	}
}

func TestTouchAssignmentSlidesQuietDeadline(t *testing.T) {
	fs := newFakeStore()
	p, clk := newTestPipeline(fs, &fakeProvider{})
	ctx := context.Background()

	_ = p.TouchAssignment(ctx, "t1", "a1")
	clk.Advance(3 * time.Minute)
	_ = p.TouchAssignment(ctx, "t1", "a1")

	st := fs.states[stateKey{"t1", "a1"}]
	// deadline slides with the newest event, window start stays anchored
	if !st.NextRunAt.Equal(testEpoch.Add(8 * time.Minute)) {
		t.Fatalf("next run = %v, want epoch+8m", st.NextRunAt)
	}
	if !st.WindowStartedAt.Equal(testEpoch) {
		t.Fatalf("window start moved: %v", st.WindowStartedAt)
	}
}

func TestTouchAssignmentWhileRunningOnlyMarksDirty(t *testing.T) {
	fs := newFakeStore()
	p, clk := newTestPipeline(fs, &fakeProvider{})
	fs.states[stateKey{"t1", "a1"}] = store.AssignmentTagState{
		OwnerID: "t1", AssignmentID: "a1", Status: store.StateRunning,
	}
	clk.Advance(time.Minute)

	if err := p.TouchAssignment(context.Background(), "t1", "a1"); err != nil {
		t.Fatalf("TouchAssignment: %v", err)
	}
	st := fs.states[stateKey{"t1", "a1"}]
	if st.Status != store.StateRunning {
		t.Fatalf("running status overwritten: %q", st.Status)
	}
	if !st.Dirty || st.LastEventAt == nil {
		t.Fatalf("event not recorded: %+v", st)
	}
	if st.NextRunAt != nil {
		t.Fatalf("next run should not be scheduled while running")
	}
}

func TestTouchAssignmentWhileLockedKeepsStatus(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, &fakeProvider{})
	fs.states[stateKey{"t1", "a1"}] = store.AssignmentTagState{
		OwnerID: "t1", AssignmentID: "a1", Status: store.StateReady, ManualLocked: true,
	}

	_ = p.TouchAssignment(context.Background(), "t1", "a1")
	st := fs.states[stateKey{"t1", "a1"}]
	if st.Status != store.StateReady || !st.ManualLocked {
		t.Fatalf("locked state disturbed: %+v", st)
	}
	if !st.Dirty {
		t.Fatalf("event should still be recorded while locked")
	}
}

func TestFinalizeReopensWindowWhenDirty(t *testing.T) {
	fs := newFakeStore()
	p, clk := newTestPipeline(fs, &fakeProvider{})
	ctx := context.Background()

	eventAt := testEpoch.Add(2 * time.Minute)
	fs.states[stateKey{"t1", "a1"}] = store.AssignmentTagState{
		OwnerID: "t1", AssignmentID: "a1", Status: store.StateRunning,
		Dirty: true, LastEventAt: &eventAt,
	}
	clk.Advance(4 * time.Minute)

	if err := p.finalizeAssignment(ctx, "t1", "a1", store.StateReady, 7); err != nil {
		t.Fatalf("finalizeAssignment: %v", err)
	}
	st := fs.states[stateKey{"t1", "a1"}]
	if st.Status != store.StatePending {
		t.Fatalf("expected reopened pending window, got %q", st.Status)
	}
	if !st.WindowStartedAt.Equal(eventAt) || !st.NextRunAt.Equal(eventAt.Add(5*time.Minute)) {
		t.Fatalf("window not anchored at last event: %+v", st)
	}
	if st.SampleCount != 7 {
		t.Fatalf("sample count not recorded: %d", st.SampleCount)
	}
	if st.LastGeneratedAt == nil {
		t.Fatalf("generated-at should be stamped on a ready result")
	}
}

func TestFinalizeSettlesWhenClean(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, &fakeProvider{})
	fs.states[stateKey{"t1", "a1"}] = store.AssignmentTagState{
		OwnerID: "t1", AssignmentID: "a1", Status: store.StateRunning,
	}

	if err := p.finalizeAssignment(context.Background(), "t1", "a1", store.StateReady, 5); err != nil {
		t.Fatalf("finalizeAssignment: %v", err)
	}
	st := fs.states[stateKey{"t1", "a1"}]
	if st.Status != store.StateReady || st.Dirty {
		t.Fatalf("expected settled ready state: %+v", st)
	}
	if st.Model != "fake-model" || st.PromptVersion != PromptVersion {
		t.Fatalf("provenance not stamped: %+v", st)
	}
}

func TestFinalizeManualLockPinsReady(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, &fakeProvider{})
	fs.states[stateKey{"t1", "a1"}] = store.AssignmentTagState{
		OwnerID: "t1", AssignmentID: "a1", Status: store.StateRunning, ManualLocked: true,
	}

	if err := p.finalizeAssignment(context.Background(), "t1", "a1", store.StateFailed, 5); err != nil {
		t.Fatalf("finalizeAssignment: %v", err)
	}
	if st := fs.states[stateKey{"t1", "a1"}]; st.Status != store.StateReady {
		t.Fatalf("manual lock should pin ready, got %q", st.Status)
	}
}

func TestUnlockClearsManualLock(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, &fakeProvider{})
	fs.states[stateKey{"t1", "a1"}] = store.AssignmentTagState{
		OwnerID: "t1", AssignmentID: "a1", Status: store.StateReady, ManualLocked: true,
	}

	if err := p.Unlock(context.Background(), "t1", "a1"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if fs.states[stateKey{"t1", "a1"}].ManualLocked {
		t.Fatalf("lock not cleared")
	}
}

func TestTouchMergeStateArmsWindow(t *testing.T) {
	fs := newFakeStore()
	p, _ := newTestPipeline(fs, &fakeProvider{})
	ctx := context.Background()

	if err := p.touchMergeState(ctx, "t1"); err != nil {
		t.Fatalf("touchMergeState: %v", err)
	}
	st := fs.mergeStates["t1"]
	if st.Status != store.MergeStatusPending {
		t.Fatalf("expected pending, got %q", st.Status)
	}
	if !st.NextRunAt.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Fatalf("merge quiet window wrong: %v", st.NextRunAt)
	}

	// a running merge is left alone
	st.Status = store.MergeStatusRunning
	fs.mergeStates["t1"] = st
	if err := p.touchMergeState(ctx, "t1"); err != nil {
		t.Fatalf("touchMergeState: %v", err)
	}
	if fs.mergeStates["t1"].Status != store.MergeStatusRunning {
		t.Fatalf("running merge state disturbed")
	}
}
