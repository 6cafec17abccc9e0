package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the Postgres connection used by the aggregation pipeline.
type Store struct {
	DB *sql.DB
}

// Assignment tag state statuses.
const (
	StateIdle                = "idle"
	StatePending             = "pending"
	StateRunning             = "running"
	StateReady               = "ready"
	StateFailed              = "failed"
	StateInsufficientSamples = "insufficient_samples"
)

// Tag dictionary entry statuses.
const (
	TagStatusActive = "active"
	TagStatusMerged = "merged"
)

// Merge state statuses.
const (
	MergeStatusIdle    = "idle"
	MergeStatusPending = "pending"
	MergeStatusRunning = "running"
	MergeStatusFailed  = "failed"
)

// Tag-to-ability mapping sources.
const (
	MappingSourceAI     = "ai"
	MappingSourceManual = "manual"
)

// DomainUncategorized is the rollup bucket for assignments without a domain.
const DomainUncategorized = "uncategorized"

// AssignmentTagState is the per (owner, assignment) debounce state machine row.
type AssignmentTagState struct {
	OwnerID         string
	AssignmentID    string
	Status          string
	SampleCount     int
	WindowStartedAt *time.Time
	LastEventAt     *time.Time
	NextRunAt       *time.Time
	LastGeneratedAt *time.Time
	Dirty           bool
	ManualLocked    bool
	Model           string
	PromptVersion   string
	UpdatedAt       time.Time
}

// TagDictionaryEntry is a canonical tag label owned by one teacher account.
type TagDictionaryEntry struct {
	ID              string
	OwnerID         string
	Label           string
	NormalizedLabel string
	Status          string
	MergedToTagID   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AssignmentTagAggregate is one tag row of an assignment's current tag set.
type AssignmentTagAggregate struct {
	OwnerID       string
	AssignmentID  string
	TagLabel      string
	TagCount      int
	Examples      []string
	GeneratedAt   time.Time
	Model         string
	PromptVersion string
}

// DomainTagAggregate is one tag row of a per-domain rollup.
type DomainTagAggregate struct {
	OwnerID         string
	Domain          string
	TagLabel        string
	TagCount        int
	AssignmentCount int
	SampleCount     int
	GeneratedAt     time.Time
}

// AbilityDictionaryEntry is a coarse ability category name for one owner.
type AbilityDictionaryEntry struct {
	ID             string
	OwnerID        string
	Name           string
	NormalizedName string
	CreatedAt      time.Time
}

// TagAbilityMapping links a dictionary tag to an ability category.
type TagAbilityMapping struct {
	OwnerID    string
	TagID      string
	AbilityID  string
	Confidence *float64
	Source     string
}

// AbilityAggregate is the confidence-weighted per-ability total for one owner.
type AbilityAggregate struct {
	OwnerID         string
	AbilityID       string
	TotalCount      float64
	AssignmentCount int
	DomainCount     int
	GeneratedAt     time.Time
}

// TagMergeState is the per-owner debounce state for dictionary merging.
type TagMergeState struct {
	OwnerID         string
	Status          string
	WindowStartedAt *time.Time
	NextRunAt       *time.Time
	LastMergedAt    *time.Time
	ErrorMessage    string
	UpdatedAt       time.Time
}

// LabelUsage carries usage stats for one dictionary label, derived from
// the current assignment aggregates. Label holds the normalized form.
type LabelUsage struct {
	Label           string
	TagCount        int
	AssignmentCount int
}

// MistakeItem is one itemized mistake inside a grading result.
type MistakeItem struct {
	Reason   string `json:"reason"`
	Question string `json:"question"`
}

// GradingFeedback is the structured feedback attached to a graded submission.
type GradingFeedback struct {
	Mistakes   []MistakeItem `json:"mistakes"`
	Weaknesses []string      `json:"weaknesses"`
}

// GradedSubmission is the read contract against the submission store.
type GradedSubmission struct {
	ID        string
	StudentID string
	Feedback  GradingFeedback
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	ts := nt.Time
	return &ts
}

func decodeFeedback(raw []byte) GradingFeedback {
	var fb GradingFeedback
	if len(raw) == 0 {
		return fb
	}
	_ = json.Unmarshal(raw, &fb)
	return fb
}
