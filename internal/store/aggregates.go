package store

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// ReplaceAssignmentAggregates swaps the full tag set for one assignment in
// a single transaction. Partial replacement never leaks: either the new set
// lands entirely or the old rows stay.
func (s *Store) ReplaceAssignmentAggregates(ctx context.Context, ownerID, assignmentID string, aggs []AssignmentTagAggregate) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
DELETE FROM assignment_tag_aggregates WHERE owner_id=$1 AND assignment_id=$2
`, ownerID, assignmentID); err != nil {
		return err
	}
	for _, a := range aggs {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO assignment_tag_aggregates
  (owner_id, assignment_id, tag_label, tag_count, examples, generated_at, model, prompt_version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, ownerID, assignmentID, a.TagLabel, a.TagCount, pq.Array(a.Examples),
			a.GeneratedAt.UTC(), nullableString(a.Model), nullableString(a.PromptVersion)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListAssignmentAggregates returns the current tag set for one assignment.
func (s *Store) ListAssignmentAggregates(ctx context.Context, ownerID, assignmentID string) ([]AssignmentTagAggregate, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, assignment_id, tag_label, tag_count, examples, generated_at, model, prompt_version
FROM assignment_tag_aggregates
WHERE owner_id=$1 AND assignment_id=$2
ORDER BY tag_count DESC, tag_label
`, ownerID, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignmentAggregates(rows)
}

// ListOwnerAssignmentAggregates returns every assignment-level tag row for
// the owner, feeding the domain and ability rollups.
func (s *Store) ListOwnerAssignmentAggregates(ctx context.Context, ownerID string) ([]AssignmentTagAggregate, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, assignment_id, tag_label, tag_count, examples, generated_at, model, prompt_version
FROM assignment_tag_aggregates
WHERE owner_id=$1
ORDER BY assignment_id, tag_count DESC
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignmentAggregates(rows)
}

// ReplaceDomainAggregates swaps the rollup rows for one (owner, domain).
func (s *Store) ReplaceDomainAggregates(ctx context.Context, ownerID, domain string, aggs []DomainTagAggregate) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
DELETE FROM domain_tag_aggregates WHERE owner_id=$1 AND domain=$2
`, ownerID, domain); err != nil {
		return err
	}
	for _, a := range aggs {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO domain_tag_aggregates
  (owner_id, domain, tag_label, tag_count, assignment_count, sample_count, generated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, ownerID, domain, a.TagLabel, a.TagCount, a.AssignmentCount, a.SampleCount, a.GeneratedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListDomainAggregates returns the rollup for one (owner, domain).
func (s *Store) ListDomainAggregates(ctx context.Context, ownerID, domain string) ([]DomainTagAggregate, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, domain, tag_label, tag_count, assignment_count, sample_count, generated_at
FROM domain_tag_aggregates
WHERE owner_id=$1 AND domain=$2
ORDER BY tag_count DESC, tag_label
`, ownerID, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DomainTagAggregate
	for rows.Next() {
		var a DomainTagAggregate
		if err := rows.Scan(&a.OwnerID, &a.Domain, &a.TagLabel, &a.TagCount, &a.AssignmentCount, &a.SampleCount, &a.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectAssignmentAggregates(rows *sql.Rows) ([]AssignmentTagAggregate, error) {
	var out []AssignmentTagAggregate
	for rows.Next() {
		var a AssignmentTagAggregate
		var model, promptVersion sql.NullString
		if err := rows.Scan(&a.OwnerID, &a.AssignmentID, &a.TagLabel, &a.TagCount,
			pq.Array(&a.Examples), &a.GeneratedAt, &model, &promptVersion); err != nil {
			return nil, err
		}
		if model.Valid {
			a.Model = model.String
		}
		if promptVersion.Valid {
			a.PromptVersion = promptVersion.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
