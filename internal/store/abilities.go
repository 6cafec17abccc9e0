package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ListAbilityEntries returns the owner's ability categories.
func (s *Store) ListAbilityEntries(ctx context.Context, ownerID string) ([]AbilityDictionaryEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, name, normalized_name, created_at
FROM ability_dictionary_entries
WHERE owner_id=$1
ORDER BY created_at
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AbilityDictionaryEntry
	for rows.Next() {
		var e AbilityDictionaryEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Name, &e.NormalizedName, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnsureAbilityEntry creates an ability category on first sight of its
// normalized name. Ability entries have no merge semantics.
func (s *Store) EnsureAbilityEntry(ctx context.Context, ownerID, name, normalized string) (AbilityDictionaryEntry, bool, error) {
	if strings.TrimSpace(name) == "" {
		return AbilityDictionaryEntry{}, false, fmt.Errorf("ability name required")
	}
	var e AbilityDictionaryEntry
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, name, normalized_name, created_at
FROM ability_dictionary_entries
WHERE owner_id=$1 AND normalized_name=$2
`, ownerID, normalized).Scan(&e.ID, &e.OwnerID, &e.Name, &e.NormalizedName, &e.CreatedAt)
	if err == nil {
		return e, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AbilityDictionaryEntry{}, false, err
	}

	err = s.DB.QueryRowContext(ctx, `
INSERT INTO ability_dictionary_entries (id, owner_id, name, normalized_name)
VALUES ($1,$2,$3,$4)
RETURNING id, owner_id, name, normalized_name, created_at
`, uuid.NewString(), ownerID, name, normalized).Scan(&e.ID, &e.OwnerID, &e.Name, &e.NormalizedName, &e.CreatedAt)
	if err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			err = s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, name, normalized_name, created_at
FROM ability_dictionary_entries
WHERE owner_id=$1 AND normalized_name=$2
`, ownerID, normalized).Scan(&e.ID, &e.OwnerID, &e.Name, &e.NormalizedName, &e.CreatedAt)
			if err == nil {
				return e, false, nil
			}
		}
		return AbilityDictionaryEntry{}, false, err
	}
	return e, true, nil
}

// ReplaceTagAbilityMappings swaps the owner's full tag-to-ability mapping set.
func (s *Store) ReplaceTagAbilityMappings(ctx context.Context, ownerID string, mappings []TagAbilityMapping) (err error) {
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
DELETE FROM tag_ability_mappings WHERE owner_id=$1
`, ownerID); err != nil {
		return err
	}
	for _, m := range mappings {
		var conf sql.NullFloat64
		if m.Confidence != nil {
			conf = sql.NullFloat64{Float64: *m.Confidence, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO tag_ability_mappings (owner_id, tag_id, ability_id, confidence, source)
VALUES ($1,$2,$3,$4,$5)
`, ownerID, m.TagID, m.AbilityID, conf, m.Source); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTagAbilityMappings returns the owner's current tag-to-ability mapping.
func (s *Store) ListTagAbilityMappings(ctx context.Context, ownerID string) ([]TagAbilityMapping, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, tag_id, ability_id, confidence, source
FROM tag_ability_mappings
WHERE owner_id=$1
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TagAbilityMapping
	for rows.Next() {
		var m TagAbilityMapping
		var conf sql.NullFloat64
		if err := rows.Scan(&m.OwnerID, &m.TagID, &m.AbilityID, &conf, &m.Source); err != nil {
			return nil, err
		}
		if conf.Valid {
			v := conf.Float64
			m.Confidence = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceAbilityAggregates swaps the owner's ability aggregate set.
func (s *Store) ReplaceAbilityAggregates(ctx context.Context, ownerID string, aggs []AbilityAggregate) (err error) {
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
DELETE FROM ability_aggregates WHERE owner_id=$1
`, ownerID); err != nil {
		return err
	}
	for _, a := range aggs {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO ability_aggregates (owner_id, ability_id, total_count, assignment_count, domain_count, generated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, ownerID, a.AbilityID, a.TotalCount, a.AssignmentCount, a.DomainCount, a.GeneratedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListAbilityAggregates returns the owner's ability aggregate set.
func (s *Store) ListAbilityAggregates(ctx context.Context, ownerID string) ([]AbilityAggregate, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT owner_id, ability_id, total_count, assignment_count, domain_count, generated_at
FROM ability_aggregates
WHERE owner_id=$1
ORDER BY total_count DESC
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AbilityAggregate
	for rows.Next() {
		var a AbilityAggregate
		if err := rows.Scan(&a.OwnerID, &a.AbilityID, &a.TotalCount, &a.AssignmentCount, &a.DomainCount, &a.GeneratedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
