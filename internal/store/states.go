package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetAssignmentState fetches the debounce state for an (owner, assignment).
func (s *Store) GetAssignmentState(ctx context.Context, ownerID, assignmentID string) (AssignmentTagState, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT owner_id, assignment_id, status, sample_count, window_started_at, last_event_at,
       next_run_at, last_generated_at, dirty, manual_locked, model, prompt_version, updated_at
FROM assignment_tag_states
WHERE owner_id=$1 AND assignment_id=$2
`, ownerID, assignmentID)
	st, err := scanAssignmentState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssignmentTagState{}, false, nil
		}
		return AssignmentTagState{}, false, err
	}
	return st, true, nil
}

// UpsertAssignmentState writes the full state row, creating it if absent.
func (s *Store) UpsertAssignmentState(ctx context.Context, st AssignmentTagState) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO assignment_tag_states
  (owner_id, assignment_id, status, sample_count, window_started_at, last_event_at,
   next_run_at, last_generated_at, dirty, manual_locked, model, prompt_version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
ON CONFLICT (owner_id, assignment_id) DO UPDATE SET
  status=EXCLUDED.status,
  sample_count=EXCLUDED.sample_count,
  window_started_at=EXCLUDED.window_started_at,
  last_event_at=EXCLUDED.last_event_at,
  next_run_at=EXCLUDED.next_run_at,
  last_generated_at=EXCLUDED.last_generated_at,
  dirty=EXCLUDED.dirty,
  manual_locked=EXCLUDED.manual_locked,
  model=EXCLUDED.model,
  prompt_version=EXCLUDED.prompt_version,
  updated_at=NOW()
`, st.OwnerID, st.AssignmentID, st.Status, st.SampleCount,
		nullableTime(st.WindowStartedAt), nullableTime(st.LastEventAt),
		nullableTime(st.NextRunAt), nullableTime(st.LastGeneratedAt),
		st.Dirty, st.ManualLocked, nullableString(st.Model), nullableString(st.PromptVersion))
	return err
}

// ListDueAssignmentStates returns instances eligible for a clustering run.
// An instance is due when its quiet deadline passed or its window opened
// before maxWaitBoundary. Under force, failed instances are re-picked too.
// Manual-locked instances are never returned.
func (s *Store) ListDueAssignmentStates(ctx context.Context, now, maxWaitBoundary time.Time, force bool) ([]AssignmentTagState, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, assignment_id, status, sample_count, window_started_at, last_event_at,
       next_run_at, last_generated_at, dirty, manual_locked, model, prompt_version, updated_at
FROM assignment_tag_states
WHERE NOT manual_locked
  AND (
    (status=$1 AND (next_run_at <= $2 OR window_started_at <= $3))
    OR ($4 AND status=$5)
  )
ORDER BY next_run_at NULLS LAST
`, StatePending, now.UTC(), maxWaitBoundary.UTC(), force, StateFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssignmentTagState
	for rows.Next() {
		st, err := scanAssignmentState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ClaimAssignmentState conditionally moves an instance to running. Returns
// false when another sweep already claimed it or its status moved on.
// The dirty flag is consumed here so that run-finish only observes events
// that arrived while the job ran.
func (s *Store) ClaimAssignmentState(ctx context.Context, ownerID, assignmentID string, force bool) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE assignment_tag_states
SET status=$1, dirty=FALSE, updated_at=NOW()
WHERE owner_id=$2 AND assignment_id=$3
  AND NOT manual_locked
  AND (status=$4 OR ($5 AND status=$6))
`, StateRunning, ownerID, assignmentID, StatePending, force, StateFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetManualLock toggles the manual-lock pin for an (owner, assignment).
func (s *Store) SetManualLock(ctx context.Context, ownerID, assignmentID string, locked bool) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE assignment_tag_states SET manual_locked=$1, updated_at=NOW()
WHERE owner_id=$2 AND assignment_id=$3
`, locked, ownerID, assignmentID)
	return err
}

// AssignmentSampleCounts returns the recorded sample_count per assignment
// for an owner, used by the domain rollup.
func (s *Store) AssignmentSampleCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT assignment_id, sample_count FROM assignment_tag_states WHERE owner_id=$1
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignmentState(row rowScanner) (AssignmentTagState, error) {
	var st AssignmentTagState
	var window, lastEvent, nextRun, lastGen sql.NullTime
	var model, promptVersion sql.NullString
	if err := row.Scan(&st.OwnerID, &st.AssignmentID, &st.Status, &st.SampleCount,
		&window, &lastEvent, &nextRun, &lastGen,
		&st.Dirty, &st.ManualLocked, &model, &promptVersion, &st.UpdatedAt); err != nil {
		return AssignmentTagState{}, err
	}
	st.WindowStartedAt = timePtr(window)
	st.LastEventAt = timePtr(lastEvent)
	st.NextRunAt = timePtr(nextRun)
	st.LastGeneratedAt = timePtr(lastGen)
	if model.Valid {
		st.Model = model.String
	}
	if promptVersion.Valid {
		st.PromptVersion = promptVersion.String
	}
	return st, nil
}
