package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/gradolab/tagline/internal/store"
)

// RollupDomain recomputes one (owner, domain) rollup from the current
// assignment aggregates. It is deterministic: no model call, safe to rerun.
// An empty contribution set clears the stored rollup.
func (p *Pipeline) RollupDomain(ctx context.Context, ownerID, domain string) error {
	domain = DomainBucket(domain)

	aggs, err := p.store.ListOwnerAssignmentAggregates(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list assignment aggregates: %w", err)
	}
	domains, err := p.store.AssignmentDomains(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve assignment domains: %w", err)
	}
	samples, err := p.store.AssignmentSampleCounts(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load sample counts: %w", err)
	}

	rows := p.rollupRows(ownerID, domain, aggs, domains, samples)
	if err := p.store.ReplaceDomainAggregates(ctx, ownerID, domain, rows); err != nil {
		return fmt.Errorf("replace domain aggregates: %w", err)
	}
	domainRollups.Inc()
	return nil
}

// RollupOwnerDomains recomputes every domain bucket the owner's
// assignments currently map into. Used after merges and manual overrides,
// where the touched domain set is not known up front.
func (p *Pipeline) RollupOwnerDomains(ctx context.Context, ownerID string) error {
	domains, err := p.store.AssignmentDomains(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve assignment domains: %w", err)
	}
	buckets := map[string]struct{}{store.DomainUncategorized: {}}
	for _, d := range domains {
		buckets[DomainBucket(d)] = struct{}{}
	}
	for bucket := range buckets {
		if err := p.RollupDomain(ctx, ownerID, bucket); err != nil {
			return err
		}
	}
	return nil
}

// rollupRows folds per-assignment tag rows into per-label domain totals.
// tag_count sums across assignments, assignment_count is the distinct
// contributing assignments, and sample_count sums each contributing
// assignment's recorded sample size once per label.
func (p *Pipeline) rollupRows(ownerID, domain string, aggs []store.AssignmentTagAggregate, domains map[string]string, samples map[string]int) []store.DomainTagAggregate {
	type acc struct {
		label       string
		count       int
		assignments map[string]struct{}
	}
	byLabel := map[string]*acc{}
	for _, a := range aggs {
		if DomainBucket(domains[a.AssignmentID]) != domain {
			continue
		}
		key := NormalizeLabel(a.TagLabel)
		entry := byLabel[key]
		if entry == nil {
			entry = &acc{label: a.TagLabel, assignments: map[string]struct{}{}}
			byLabel[key] = entry
		}
		entry.count += a.TagCount
		entry.assignments[a.AssignmentID] = struct{}{}
	}

	now := p.Now().UTC()
	out := make([]store.DomainTagAggregate, 0, len(byLabel))
	for _, entry := range byLabel {
		sampleSum := 0
		for id := range entry.assignments {
			sampleSum += samples[id]
		}
		out = append(out, store.DomainTagAggregate{
			OwnerID:         ownerID,
			Domain:          domain,
			TagLabel:        entry.label,
			TagCount:        entry.count,
			AssignmentCount: len(entry.assignments),
			SampleCount:     sampleSum,
			GeneratedAt:     now,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TagCount != out[j].TagCount {
			return out[i].TagCount > out[j].TagCount
		}
		return out[i].TagLabel < out[j].TagLabel
	})
	return out
}
