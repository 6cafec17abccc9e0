package store

import (
	"context"
	"database/sql"
	"errors"
)

// GradedSubmissions queries the submission store for an assignment's
// graded submissions. Submissions are owned by the grading platform; this
// is a read contract only.
func (s *Store) GradedSubmissions(ctx context.Context, ownerID, assignmentID string) ([]GradedSubmission, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, student_id, feedback
FROM submissions
WHERE owner_id=$1 AND assignment_id=$2 AND status='graded'
ORDER BY graded_at
`, ownerID, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GradedSubmission
	for rows.Next() {
		var sub GradedSubmission
		var raw []byte
		if err := rows.Scan(&sub.ID, &sub.StudentID, &raw); err != nil {
			return nil, err
		}
		sub.Feedback = decodeFeedback(raw)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AssignmentDomain resolves an assignment's domain; empty when unset.
func (s *Store) AssignmentDomain(ctx context.Context, ownerID, assignmentID string) (string, error) {
	var domain sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT domain FROM assignments WHERE owner_id=$1 AND id=$2
`, ownerID, assignmentID).Scan(&domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if domain.Valid {
		return domain.String, nil
	}
	return "", nil
}

// AssignmentDomains returns assignment id -> domain for an owner, with
// unset domains left empty. Used by the rollups to bucket assignments.
func (s *Store) AssignmentDomains(ctx context.Context, ownerID string) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, domain FROM assignments WHERE owner_id=$1
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id string
		var domain sql.NullString
		if err := rows.Scan(&id, &domain); err != nil {
			return nil, err
		}
		if domain.Valid {
			out[id] = domain.String
		} else {
			out[id] = ""
		}
	}
	return out, rows.Err()
}
