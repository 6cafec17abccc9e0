package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetMergeState fetches the dictionary-merge debounce state for an owner.
func (s *Store) GetMergeState(ctx context.Context, ownerID string) (TagMergeState, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT owner_id, status, window_started_at, next_run_at, last_merged_at, error_message, updated_at
FROM tag_merge_states
WHERE owner_id=$1
`, ownerID)
	st, err := scanMergeState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TagMergeState{}, false, nil
		}
		return TagMergeState{}, false, err
	}
	return st, true, nil
}

// UpsertMergeState writes the full merge-state row.
func (s *Store) UpsertMergeState(ctx context.Context, st TagMergeState) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO tag_merge_states (owner_id, status, window_started_at, next_run_at, last_merged_at, error_message, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (owner_id) DO UPDATE SET
  status=EXCLUDED.status,
  window_started_at=EXCLUDED.window_started_at,
  next_run_at=EXCLUDED.next_run_at,
  last_merged_at=EXCLUDED.last_merged_at,
  error_message=EXCLUDED.error_message,
  updated_at=NOW()
`, st.OwnerID, st.Status, nullableTime(st.WindowStartedAt), nullableTime(st.NextRunAt),
		nullableTime(st.LastMergedAt), nullableString(st.ErrorMessage))
	return err
}

// ListDueMergeStates returns owners whose merge window elapsed or whose
// window opened before maxWaitBoundary. Under force, failed states are
// re-picked too.
func (s *Store) ListDueMergeStates(ctx context.Context, now, maxWaitBoundary time.Time, force bool) ([]TagMergeState, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, status, window_started_at, next_run_at, last_merged_at, error_message, updated_at
FROM tag_merge_states
WHERE (status=$1 AND (next_run_at <= $2 OR window_started_at <= $3))
   OR ($4 AND status=$5)
ORDER BY next_run_at NULLS LAST
`, MergeStatusPending, now.UTC(), maxWaitBoundary.UTC(), force, MergeStatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TagMergeState
	for rows.Next() {
		st, err := scanMergeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ClaimMergeState conditionally moves an owner's merge state to running.
func (s *Store) ClaimMergeState(ctx context.Context, ownerID string, force bool) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE tag_merge_states
SET status=$1, updated_at=NOW()
WHERE owner_id=$2 AND (status=$3 OR ($4 AND status=$5))
`, MergeStatusRunning, ownerID, MergeStatusPending, force, MergeStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanMergeState(row rowScanner) (TagMergeState, error) {
	var st TagMergeState
	var window, nextRun, lastMerged sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&st.OwnerID, &st.Status, &window, &nextRun, &lastMerged, &errMsg, &st.UpdatedAt); err != nil {
		return TagMergeState{}, err
	}
	st.WindowStartedAt = timePtr(window)
	st.NextRunAt = timePtr(nextRun)
	st.LastMergedAt = timePtr(lastMerged)
	if errMsg.Valid {
		st.ErrorMessage = errMsg.String
	}
	return st, nil
}
