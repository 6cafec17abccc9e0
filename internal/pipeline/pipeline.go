package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gradolab/tagline/config"
	"github.com/gradolab/tagline/internal/cache"
	"github.com/gradolab/tagline/internal/provider"
	"github.com/gradolab/tagline/internal/store"
)

// PromptVersion stamps aggregates so stale rows can be traced to the
// prompt revision that produced them.
const PromptVersion = "v1"

// StoreAPI captures the store methods required by the pipeline.
type StoreAPI interface {
	GetAssignmentState(ctx context.Context, ownerID, assignmentID string) (store.AssignmentTagState, bool, error)
	UpsertAssignmentState(ctx context.Context, st store.AssignmentTagState) error
	ListDueAssignmentStates(ctx context.Context, now, maxWaitBoundary time.Time, force bool) ([]store.AssignmentTagState, error)
	ClaimAssignmentState(ctx context.Context, ownerID, assignmentID string, force bool) (bool, error)
	SetManualLock(ctx context.Context, ownerID, assignmentID string, locked bool) error
	AssignmentSampleCounts(ctx context.Context, ownerID string) (map[string]int, error)

	ListActiveTagEntries(ctx context.Context, ownerID string) ([]store.TagDictionaryEntry, error)
	ListTagEntries(ctx context.Context, ownerID string) ([]store.TagDictionaryEntry, error)
	GetTagEntryByNormalized(ctx context.Context, ownerID, normalized string) (store.TagDictionaryEntry, bool, error)
	EnsureActiveTagEntry(ctx context.Context, ownerID, label, normalized string) (store.TagDictionaryEntry, bool, error)
	MarkTagEntryMerged(ctx context.Context, ownerID, id, canonicalID string) error
	ReactivateTagEntry(ctx context.Context, ownerID, id string) error
	TagUsageStats(ctx context.Context, ownerID string) (map[string]store.LabelUsage, error)

	ReplaceAssignmentAggregates(ctx context.Context, ownerID, assignmentID string, aggs []store.AssignmentTagAggregate) error
	ListOwnerAssignmentAggregates(ctx context.Context, ownerID string) ([]store.AssignmentTagAggregate, error)
	ReplaceDomainAggregates(ctx context.Context, ownerID, domain string, aggs []store.DomainTagAggregate) error

	ListAbilityEntries(ctx context.Context, ownerID string) ([]store.AbilityDictionaryEntry, error)
	EnsureAbilityEntry(ctx context.Context, ownerID, name, normalized string) (store.AbilityDictionaryEntry, bool, error)
	ReplaceTagAbilityMappings(ctx context.Context, ownerID string, mappings []store.TagAbilityMapping) error
	ListTagAbilityMappings(ctx context.Context, ownerID string) ([]store.TagAbilityMapping, error)
	ReplaceAbilityAggregates(ctx context.Context, ownerID string, aggs []store.AbilityAggregate) error

	GetMergeState(ctx context.Context, ownerID string) (store.TagMergeState, bool, error)
	UpsertMergeState(ctx context.Context, st store.TagMergeState) error
	ListDueMergeStates(ctx context.Context, now, maxWaitBoundary time.Time, force bool) ([]store.TagMergeState, error)
	ClaimMergeState(ctx context.Context, ownerID string, force bool) (bool, error)

	GradedSubmissions(ctx context.Context, ownerID, assignmentID string) ([]store.GradedSubmission, error)
	AssignmentDomain(ctx context.Context, ownerID, assignmentID string) (string, error)
	AssignmentDomains(ctx context.Context, ownerID string) (map[string]string, error)
}

// Pipeline runs the tag and ability aggregation layers for all owners.
type Pipeline struct {
	cfg    config.PipelineConfig
	store  StoreAPI
	llm    provider.Provider
	hints  *cache.LabelCache
	logger *log.Logger

	// Now is swappable for tests.
	Now func() time.Time
}

// New builds a Pipeline. hints may be nil (every lookup misses).
func New(cfg config.PipelineConfig, st StoreAPI, llm provider.Provider, hints *cache.LabelCache, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPE] ", log.LstdFlags)
	}
	return &Pipeline{
		cfg:    cfg.Normalize(),
		store:  st,
		llm:    llm,
		hints:  hints,
		logger: logger,
		Now:    time.Now,
	}
}

// NormalizeLabel folds case and collapses whitespace so label identity
// survives cosmetic variation in model output.
func NormalizeLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// CollapseWhitespace joins phrase fragments with single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DomainBucket maps an unset domain to the literal uncategorized bucket.
func DomainBucket(domain string) string {
	if strings.TrimSpace(domain) == "" {
		return store.DomainUncategorized
	}
	return domain
}
