package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/gradolab/tagline/internal/helpers"
	"github.com/gradolab/tagline/internal/store"
)

// abilityResponse mirrors the JSON object expected from the ability call.
type abilityResponse struct {
	Abilities []string `json:"abilities"`
	Mappings  []struct {
		Tag        string   `json:"tag"`
		Ability    string   `json:"ability"`
		Confidence *float64 `json:"confidence"`
	} `json:"mappings"`
}

// AbilityResult summarizes one ability-mapping run.
type AbilityResult struct {
	Skipped      bool
	SkipReason   string
	MappingCount int
}

// RunAbilityMapping classifies the owner's active tags into coarse ability
// categories and rebuilds the confidence-weighted ability rollup. Small
// dictionaries are skipped without a model call; manual mappings are
// preserved across AI refreshes.
func (p *Pipeline) RunAbilityMapping(ctx context.Context, ownerID string) (AbilityResult, error) {
	entries, err := p.store.ListActiveTagEntries(ctx, ownerID)
	if err != nil {
		return AbilityResult{}, fmt.Errorf("list active labels: %w", err)
	}
	if len(entries) < p.cfg.AbilityMinTags {
		abilityRuns.WithLabelValues("skipped").Inc()
		reason := fmt.Sprintf("skipped: %d active tags, below minimum %d", len(entries), p.cfg.AbilityMinTags)
		return AbilityResult{Skipped: true, SkipReason: reason}, nil
	}

	usage, err := p.store.TagUsageStats(ctx, ownerID)
	if err != nil {
		return AbilityResult{}, fmt.Errorf("load usage stats: %w", err)
	}
	candidates := topTagsByUsage(entries, usage, p.cfg.AbilityTagLimit)

	abilities, err := p.store.ListAbilityEntries(ctx, ownerID)
	if err != nil {
		return AbilityResult{}, fmt.Errorf("list abilities: %w", err)
	}

	system, user := BuildAbilityPrompt(candidates, abilities)
	modelCalls.WithLabelValues("ability").Inc()
	raw, err := p.llm.Generate(ctx, system, user)
	if err != nil {
		abilityRuns.WithLabelValues("failed").Inc()
		return AbilityResult{}, fmt.Errorf("model call: %w", err)
	}
	var resp abilityResponse
	if err := helpers.DecodeObject(raw, &resp); err != nil {
		abilityRuns.WithLabelValues("failed").Inc()
		return AbilityResult{}, fmt.Errorf("parse model output: %w", err)
	}

	mappings, err := p.resolveMappings(ctx, ownerID, candidates, resp)
	if err != nil {
		abilityRuns.WithLabelValues("failed").Inc()
		return AbilityResult{}, err
	}
	if err := p.store.ReplaceTagAbilityMappings(ctx, ownerID, mappings); err != nil {
		abilityRuns.WithLabelValues("failed").Inc()
		return AbilityResult{}, fmt.Errorf("replace mappings: %w", err)
	}

	if err := p.RollupAbilities(ctx, ownerID); err != nil {
		abilityRuns.WithLabelValues("failed").Inc()
		return AbilityResult{}, err
	}
	abilityRuns.WithLabelValues("ok").Inc()
	return AbilityResult{MappingCount: len(mappings)}, nil
}

// resolveMappings turns model output into store rows. Unknown tags or
// abilities are dropped, the first mapping per tag wins, and confidence is
// clamped to [0, 1]. Existing manual mappings are carried over untouched.
func (p *Pipeline) resolveMappings(ctx context.Context, ownerID string, tags []store.TagDictionaryEntry, resp abilityResponse) ([]store.TagAbilityMapping, error) {
	tagByNorm := make(map[string]store.TagDictionaryEntry, len(tags))
	for _, t := range tags {
		tagByNorm[t.NormalizedLabel] = t
	}

	abilityByNorm := map[string]store.AbilityDictionaryEntry{}
	ensureAbility := func(name string) (store.AbilityDictionaryEntry, error) {
		name = CollapseWhitespace(name)
		norm := NormalizeLabel(name)
		if norm == "" {
			return store.AbilityDictionaryEntry{}, fmt.Errorf("empty ability name")
		}
		if a, ok := abilityByNorm[norm]; ok {
			return a, nil
		}
		a, _, err := p.store.EnsureAbilityEntry(ctx, ownerID, name, norm)
		if err != nil {
			return store.AbilityDictionaryEntry{}, fmt.Errorf("ensure ability %q: %w", name, err)
		}
		abilityByNorm[norm] = a
		return a, nil
	}
	for _, name := range resp.Abilities {
		if CollapseWhitespace(name) == "" {
			continue
		}
		if _, err := ensureAbility(name); err != nil {
			return nil, err
		}
	}

	existing, err := p.store.ListTagAbilityMappings(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	var out []store.TagAbilityMapping
	mapped := map[string]struct{}{}
	for _, m := range existing {
		if m.Source == store.MappingSourceManual {
			out = append(out, m)
			mapped[m.TagID] = struct{}{}
		}
	}

	for _, m := range resp.Mappings {
		tag, ok := tagByNorm[NormalizeLabel(m.Tag)]
		if !ok {
			p.logger.Printf("ability: owner %s: dropping mapping for unknown tag %q", ownerID, m.Tag)
			continue
		}
		if _, done := mapped[tag.ID]; done {
			continue
		}
		ability, err := ensureAbility(m.Ability)
		if err != nil {
			p.logger.Printf("ability: owner %s: dropping mapping for tag %q: %v", ownerID, m.Tag, err)
			continue
		}
		mapped[tag.ID] = struct{}{}
		out = append(out, store.TagAbilityMapping{
			OwnerID:    ownerID,
			TagID:      tag.ID,
			AbilityID:  ability.ID,
			Confidence: clampConfidence(m.Confidence),
			Source:     store.MappingSourceAI,
		})
	}
	return out, nil
}

// RollupAbilities rebuilds the owner's ability aggregates from the current
// mappings and assignment tag rows. A tag's contribution is its count
// weighted by mapping confidence (1 when unset).
func (p *Pipeline) RollupAbilities(ctx context.Context, ownerID string) error {
	mappings, err := p.store.ListTagAbilityMappings(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list mappings: %w", err)
	}
	entries, err := p.store.ListTagEntries(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list dictionary: %w", err)
	}
	aggs, err := p.store.ListOwnerAssignmentAggregates(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list assignment aggregates: %w", err)
	}
	domains, err := p.store.AssignmentDomains(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve assignment domains: %w", err)
	}

	abilityByTag := map[string]store.TagAbilityMapping{}
	for _, m := range mappings {
		abilityByTag[m.TagID] = m
	}
	tagIDByNorm := map[string]string{}
	for _, e := range entries {
		if e.Status == store.TagStatusActive {
			tagIDByNorm[e.NormalizedLabel] = e.ID
		}
	}

	type acc struct {
		total       float64
		assignments map[string]struct{}
		domains     map[string]struct{}
	}
	byAbility := map[string]*acc{}
	for _, a := range aggs {
		tagID, ok := tagIDByNorm[NormalizeLabel(a.TagLabel)]
		if !ok {
			continue
		}
		m, ok := abilityByTag[tagID]
		if !ok {
			continue
		}
		weight := 1.0
		if m.Confidence != nil {
			weight = *m.Confidence
		}
		entry := byAbility[m.AbilityID]
		if entry == nil {
			entry = &acc{assignments: map[string]struct{}{}, domains: map[string]struct{}{}}
			byAbility[m.AbilityID] = entry
		}
		entry.total += float64(a.TagCount) * weight
		entry.assignments[a.AssignmentID] = struct{}{}
		entry.domains[DomainBucket(domains[a.AssignmentID])] = struct{}{}
	}

	now := p.Now().UTC()
	out := make([]store.AbilityAggregate, 0, len(byAbility))
	for abilityID, entry := range byAbility {
		out = append(out, store.AbilityAggregate{
			OwnerID:         ownerID,
			AbilityID:       abilityID,
			TotalCount:      entry.total,
			AssignmentCount: len(entry.assignments),
			DomainCount:     len(entry.domains),
			GeneratedAt:     now,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCount != out[j].TotalCount {
			return out[i].TotalCount > out[j].TotalCount
		}
		return out[i].AbilityID < out[j].AbilityID
	})
	if err := p.store.ReplaceAbilityAggregates(ctx, ownerID, out); err != nil {
		return fmt.Errorf("replace ability aggregates: %w", err)
	}
	return nil
}

func topTagsByUsage(entries []store.TagDictionaryEntry, usage map[string]store.LabelUsage, limit int) []store.TagDictionaryEntry {
	out := append([]store.TagDictionaryEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool {
		ui, uj := usage[out[i].NormalizedLabel].TagCount, usage[out[j].NormalizedLabel].TagCount
		if ui != uj {
			return ui > uj
		}
		return out[i].Label < out[j].Label
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}
