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

// ListActiveTagEntries returns the owner's active dictionary labels.
func (s *Store) ListActiveTagEntries(ctx context.Context, ownerID string) ([]TagDictionaryEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, label, normalized_label, status, merged_to_tag_id, created_at, updated_at
FROM tag_dictionary_entries
WHERE owner_id=$1 AND status=$2
ORDER BY created_at
`, ownerID, TagStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTagEntries(rows)
}

// ListTagEntries returns every dictionary entry for the owner, merged ones
// included, so curation UIs can follow merge pointers.
func (s *Store) ListTagEntries(ctx context.Context, ownerID string) ([]TagDictionaryEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, owner_id, label, normalized_label, status, merged_to_tag_id, created_at, updated_at
FROM tag_dictionary_entries
WHERE owner_id=$1
ORDER BY created_at
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTagEntries(rows)
}

// GetTagEntryByNormalized looks a label up by its normalized form,
// regardless of status.
func (s *Store) GetTagEntryByNormalized(ctx context.Context, ownerID, normalized string) (TagDictionaryEntry, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, label, normalized_label, status, merged_to_tag_id, created_at, updated_at
FROM tag_dictionary_entries
WHERE owner_id=$1 AND normalized_label=$2
ORDER BY (status=$3) DESC, created_at
LIMIT 1
`, ownerID, normalized, TagStatusActive)
	e, err := scanTagEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TagDictionaryEntry{}, false, nil
		}
		return TagDictionaryEntry{}, false, err
	}
	return e, true, nil
}

// EnsureActiveTagEntry returns the active entry for a normalized label,
// inserting a fresh one on first sight. The second return reports whether
// a new row was created.
func (s *Store) EnsureActiveTagEntry(ctx context.Context, ownerID, label, normalized string) (TagDictionaryEntry, bool, error) {
	if strings.TrimSpace(label) == "" {
		return TagDictionaryEntry{}, false, fmt.Errorf("label required")
	}
	existing, ok, err := s.GetTagEntryByNormalized(ctx, ownerID, normalized)
	if err != nil {
		return TagDictionaryEntry{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	row := s.DB.QueryRowContext(ctx, `
INSERT INTO tag_dictionary_entries (id, owner_id, label, normalized_label, status)
VALUES ($1,$2,$3,$4,$5)
RETURNING id, owner_id, label, normalized_label, status, merged_to_tag_id, created_at, updated_at
`, uuid.NewString(), ownerID, label, normalized, TagStatusActive)
	e, err := scanTagEntry(row)
	if err != nil {
		// Another writer inserted the same normalized label first.
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			existing, found, err2 := s.GetTagEntryByNormalized(ctx, ownerID, normalized)
			if err2 != nil {
				return TagDictionaryEntry{}, false, err2
			}
			if found {
				return existing, false, nil
			}
		}
		return TagDictionaryEntry{}, false, err
	}
	return e, true, nil
}

// MarkTagEntryMerged points an entry at its canonical and retires it.
func (s *Store) MarkTagEntryMerged(ctx context.Context, ownerID, id, canonicalID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE tag_dictionary_entries
SET status=$1, merged_to_tag_id=$2, updated_at=NOW()
WHERE owner_id=$3 AND id=$4
`, TagStatusMerged, canonicalID, ownerID, id)
	return err
}

// ReactivateTagEntry resets an entry to active and clears its merge pointer.
func (s *Store) ReactivateTagEntry(ctx context.Context, ownerID, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE tag_dictionary_entries
SET status=$1, merged_to_tag_id=NULL, updated_at=NOW()
WHERE owner_id=$2 AND id=$3
`, TagStatusActive, ownerID, id)
	return err
}

// TagUsageStats re-aggregates current assignment aggregates into per-label
// usage counts (total tag_count, distinct assignments). The map is keyed by
// the normalized label so casing drift between runs folds into one row,
// matching dictionary identity.
func (s *Store) TagUsageStats(ctx context.Context, ownerID string) (map[string]LabelUsage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT lower(regexp_replace(btrim(tag_label), '\s+', ' ', 'g')) AS norm_label,
       SUM(tag_count), COUNT(DISTINCT assignment_id)
FROM assignment_tag_aggregates
WHERE owner_id=$1
GROUP BY norm_label
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]LabelUsage{}
	for rows.Next() {
		var u LabelUsage
		if err := rows.Scan(&u.Label, &u.TagCount, &u.AssignmentCount); err != nil {
			return nil, err
		}
		out[u.Label] = u
	}
	return out, rows.Err()
}

func collectTagEntries(rows *sql.Rows) ([]TagDictionaryEntry, error) {
	var out []TagDictionaryEntry
	for rows.Next() {
		e, err := scanTagEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTagEntry(row rowScanner) (TagDictionaryEntry, error) {
	var e TagDictionaryEntry
	var mergedTo sql.NullString
	if err := row.Scan(&e.ID, &e.OwnerID, &e.Label, &e.NormalizedLabel, &e.Status, &mergedTo, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return TagDictionaryEntry{}, err
	}
	if mergedTo.Valid {
		v := mergedTo.String
		e.MergedToTagID = &v
	}
	return e, nil
}
