package pipeline

import (
	"context"
	"fmt"

	"github.com/gradolab/tagline/internal/store"
)

// TouchAssignment records a submission-graded event against the owning
// assignment's debounce state. Each event slides the quiet deadline; the
// window start is only reset when no window is open, so the max-wait
// ceiling keeps a steadily trickling assignment from starving.
func (p *Pipeline) TouchAssignment(ctx context.Context, ownerID, assignmentID string) error {
	if ownerID == "" || assignmentID == "" {
		return fmt.Errorf("owner_id and assignment_id required")
	}
	now := p.Now().UTC()

	st, found, err := p.store.GetAssignmentState(ctx, ownerID, assignmentID)
	if err != nil {
		return fmt.Errorf("get assignment state: %w", err)
	}
	if !found {
		st = store.AssignmentTagState{
			OwnerID:      ownerID,
			AssignmentID: assignmentID,
			Status:       store.StateIdle,
		}
	}

	st.Dirty = true
	st.LastEventAt = &now

	// A locked instance stays pinned to ready; a running one records the
	// event and lets run-finish reopen the window.
	if !st.ManualLocked && st.Status != store.StateRunning {
		if st.Status != store.StatePending {
			windowStart := now
			st.WindowStartedAt = &windowStart
		}
		next := now.Add(p.cfg.QuietWindow)
		st.NextRunAt = &next
		st.Status = store.StatePending
	}

	if err := p.store.UpsertAssignmentState(ctx, st); err != nil {
		return fmt.Errorf("upsert assignment state: %w", err)
	}
	return nil
}

// Unlock clears the manual-lock pin, re-admitting the instance to
// scheduling. Status is left untouched; the next event reopens the window.
func (p *Pipeline) Unlock(ctx context.Context, ownerID, assignmentID string) error {
	if ownerID == "" || assignmentID == "" {
		return fmt.Errorf("owner_id and assignment_id required")
	}
	return p.store.SetManualLock(ctx, ownerID, assignmentID, false)
}

// touchMergeState arms the owner's dictionary-merge debounce after a new
// label lands. A running merge is left alone; the next insertion after it
// finishes re-arms the window.
func (p *Pipeline) touchMergeState(ctx context.Context, ownerID string) error {
	now := p.Now().UTC()

	st, found, err := p.store.GetMergeState(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("get merge state: %w", err)
	}
	if !found {
		st = store.TagMergeState{OwnerID: ownerID, Status: store.MergeStatusIdle}
	}
	if st.Status == store.MergeStatusRunning {
		return nil
	}

	if st.Status != store.MergeStatusPending {
		windowStart := now
		st.WindowStartedAt = &windowStart
	}
	next := now.Add(p.cfg.MergeQuietWindow)
	st.NextRunAt = &next
	st.Status = store.MergeStatusPending
	st.ErrorMessage = ""

	if err := p.store.UpsertMergeState(ctx, st); err != nil {
		return fmt.Errorf("upsert merge state: %w", err)
	}
	return nil
}

// finalizeAssignment closes out a clustering run. The state row is
// re-read first: a dirty flag set while the job ran reopens the window
// anchored at the latest event instead of settling.
func (p *Pipeline) finalizeAssignment(ctx context.Context, ownerID, assignmentID, status string, sampleCount int) error {
	now := p.Now().UTC()

	st, found, err := p.store.GetAssignmentState(ctx, ownerID, assignmentID)
	if err != nil {
		return fmt.Errorf("get assignment state: %w", err)
	}
	if !found {
		st = store.AssignmentTagState{OwnerID: ownerID, AssignmentID: assignmentID}
	}

	st.SampleCount = sampleCount
	if status == store.StateReady || status == store.StateInsufficientSamples {
		st.Model = p.modelName()
		st.PromptVersion = PromptVersion
	}
	if status == store.StateReady {
		st.LastGeneratedAt = &now
	}

	if st.Dirty && status != store.StateFailed && !st.ManualLocked && st.LastEventAt != nil {
		anchor := *st.LastEventAt
		next := anchor.Add(p.cfg.QuietWindow)
		st.Status = store.StatePending
		st.WindowStartedAt = &anchor
		st.NextRunAt = &next
		st.Dirty = true
	} else {
		st.Status = status
		if status != store.StateFailed {
			st.Dirty = false
		}
	}
	if st.ManualLocked {
		st.Status = store.StateReady
	}

	if err := p.store.UpsertAssignmentState(ctx, st); err != nil {
		return fmt.Errorf("upsert assignment state: %w", err)
	}
	return nil
}

func (p *Pipeline) modelName() string {
	if p.llm == nil {
		return ""
	}
	return p.llm.Model()
}
