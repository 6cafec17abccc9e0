package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/gradolab/tagline/internal/helpers"
	"github.com/gradolab/tagline/internal/store"
)

// clusterResponse mirrors the JSON object expected from the model.
type clusterResponse struct {
	Tags []struct {
		Label    string   `json:"label"`
		Count    int      `json:"count"`
		Examples []string `json:"examples"`
	} `json:"tags"`
}

// RunClustering executes the clustering job for one claimed assignment
// state. It returns the finalized status, the sample count, and the layer
// signals for the orchestrator to fan out. The caller must have moved the
// instance to running already.
func (p *Pipeline) RunClustering(ctx context.Context, ownerID, assignmentID string) (string, int, []Signal, error) {
	subs, err := p.store.GradedSubmissions(ctx, ownerID, assignmentID)
	if err != nil {
		return p.failAssignment(ctx, ownerID, assignmentID, 0, fmt.Errorf("query graded submissions: %w", err))
	}
	sampleCount := len(subs)

	if sampleCount < p.cfg.MinSampleCount {
		clusterRuns.WithLabelValues("insufficient_samples").Inc()
		if err := p.finalizeAssignment(ctx, ownerID, assignmentID, store.StateInsufficientSamples, sampleCount); err != nil {
			return store.StateFailed, sampleCount, nil, err
		}
		return store.StateInsufficientSamples, sampleCount, nil, nil
	}

	stats := IssueStats(subs, p.cfg.IssueLimit)
	if len(stats) == 0 {
		// Nothing to cluster; publish an empty set without a model call.
		if err := p.store.ReplaceAssignmentAggregates(ctx, ownerID, assignmentID, nil); err != nil {
			return p.failAssignment(ctx, ownerID, assignmentID, sampleCount, fmt.Errorf("replace aggregates: %w", err))
		}
		if err := p.finalizeAssignment(ctx, ownerID, assignmentID, store.StateReady, sampleCount); err != nil {
			return store.StateFailed, sampleCount, nil, err
		}
		clusterRuns.WithLabelValues("empty").Inc()
		return store.StateReady, sampleCount, p.domainSignalsFor(ctx, ownerID, assignmentID), nil
	}

	hints := p.dictionaryHints(ctx, ownerID)
	system, user := BuildClusterPrompt(stats, hints, sampleCount, p.cfg.TagLimit)
	modelCalls.WithLabelValues("cluster").Inc()
	raw, err := p.llm.Generate(ctx, system, user)
	if err != nil {
		return p.failAssignment(ctx, ownerID, assignmentID, sampleCount, fmt.Errorf("model call: %w", err))
	}

	var resp clusterResponse
	if err := helpers.DecodeObject(raw, &resp); err != nil {
		return p.failAssignment(ctx, ownerID, assignmentID, sampleCount, fmt.Errorf("parse model output: %w", err))
	}
	tags := p.sanitizeTags(resp, sampleCount)
	if len(tags) == 0 {
		return p.failAssignment(ctx, ownerID, assignmentID, sampleCount, fmt.Errorf("model returned no usable tags"))
	}

	signals := []Signal{}
	created := false
	for _, t := range tags {
		_, isNew, err := p.store.EnsureActiveTagEntry(ctx, ownerID, t.TagLabel, NormalizeLabel(t.TagLabel))
		if err != nil {
			return p.failAssignment(ctx, ownerID, assignmentID, sampleCount, fmt.Errorf("ensure dictionary entry: %w", err))
		}
		created = created || isNew
	}
	if created {
		p.hints.Invalidate(ctx, ownerID)
		if err := p.touchMergeState(ctx, ownerID); err != nil {
			p.logger.Printf("warn: touch merge state for owner %s: %v", ownerID, err)
		}
		signals = append(signals, mergeSignal(ownerID))
	}

	if err := p.store.ReplaceAssignmentAggregates(ctx, ownerID, assignmentID, tags); err != nil {
		return p.failAssignment(ctx, ownerID, assignmentID, sampleCount, fmt.Errorf("replace aggregates: %w", err))
	}
	if err := p.finalizeAssignment(ctx, ownerID, assignmentID, store.StateReady, sampleCount); err != nil {
		return store.StateFailed, sampleCount, nil, err
	}

	clusterRuns.WithLabelValues("ok").Inc()
	signals = append(signals, p.domainSignalsFor(ctx, ownerID, assignmentID)...)
	return store.StateReady, sampleCount, signals, nil
}

// sanitizeTags normalizes model tags: duplicate labels collapse to the
// first occurrence, counts are clamped to [1, sampleCount], examples are
// capped, and the list is ranked and truncated to the tag limit.
func (p *Pipeline) sanitizeTags(resp clusterResponse, sampleCount int) []store.AssignmentTagAggregate {
	now := p.Now().UTC()
	seen := map[string]struct{}{}
	var out []store.AssignmentTagAggregate
	for _, t := range resp.Tags {
		label := CollapseWhitespace(t.Label)
		if label == "" {
			continue
		}
		key := NormalizeLabel(label)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		count := t.Count
		if count > sampleCount {
			count = sampleCount
		}
		if count < 1 {
			count = 1
		}
		examples := t.Examples
		if len(examples) > p.cfg.ExampleLimit {
			examples = examples[:p.cfg.ExampleLimit]
		}
		out = append(out, store.AssignmentTagAggregate{
			TagLabel:      label,
			TagCount:      count,
			Examples:      examples,
			GeneratedAt:   now,
			Model:         p.modelName(),
			PromptVersion: PromptVersion,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TagCount != out[j].TagCount {
			return out[i].TagCount > out[j].TagCount
		}
		return out[i].TagLabel < out[j].TagLabel
	})
	if len(out) > p.cfg.TagLimit {
		out = out[:p.cfg.TagLimit]
	}
	return out
}

// dictionaryHints returns the owner's active labels, served from the
// shared TTL cache when warm.
func (p *Pipeline) dictionaryHints(ctx context.Context, ownerID string) []string {
	if labels, ok := p.hints.Get(ctx, ownerID); ok {
		return labels
	}
	entries, err := p.store.ListActiveTagEntries(ctx, ownerID)
	if err != nil {
		p.logger.Printf("warn: list active labels for owner %s: %v", ownerID, err)
		return nil
	}
	labels := make([]string, 0, len(entries))
	for _, e := range entries {
		labels = append(labels, e.Label)
	}
	p.hints.Set(ctx, ownerID, labels)
	return labels
}

func (p *Pipeline) domainSignalsFor(ctx context.Context, ownerID, assignmentID string) []Signal {
	domain, err := p.store.AssignmentDomain(ctx, ownerID, assignmentID)
	if err != nil {
		p.logger.Printf("warn: resolve domain for assignment %s: %v", assignmentID, err)
		domain = ""
	}
	return []Signal{domainSignal(ownerID, DomainBucket(domain))}
}

func (p *Pipeline) failAssignment(ctx context.Context, ownerID, assignmentID string, sampleCount int, cause error) (string, int, []Signal, error) {
	clusterRuns.WithLabelValues("failed").Inc()
	if err := p.finalizeAssignment(ctx, ownerID, assignmentID, store.StateFailed, sampleCount); err != nil {
		p.logger.Printf("warn: finalize failed state for %s/%s: %v", ownerID, assignmentID, err)
	}
	return store.StateFailed, sampleCount, nil, cause
}
