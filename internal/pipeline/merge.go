package pipeline

import (
	"context"
	"fmt"

	"github.com/gradolab/tagline/internal/helpers"
	"github.com/gradolab/tagline/internal/store"
)

// mergeResponse mirrors the JSON object expected from the merge model call.
type mergeResponse struct {
	Groups []struct {
		Canonical string   `json:"canonical"`
		Members   []string `json:"members"`
	} `json:"groups"`
}

// MergeResult summarizes one dictionary-merge run.
type MergeResult struct {
	Status      string
	SkipReason  string
	GroupCount  int
	MergedCount int
}

// RunMerge executes the dictionary-merge job for one claimed owner. The
// caller must have moved the merge state to running. A real model run,
// groups or not, returns an ability signal: the active label set was
// inspected and downstream mappings may be stale either way.
func (p *Pipeline) RunMerge(ctx context.Context, ownerID string) (MergeResult, []Signal, error) {
	entries, err := p.store.ListActiveTagEntries(ctx, ownerID)
	if err != nil {
		return p.failMerge(ctx, ownerID, fmt.Errorf("list active labels: %w", err))
	}

	if skip := mergeSkipReason(len(entries), p.cfg.MergeMinLabels, p.cfg.MergeMaxLabels); skip != "" {
		mergeRuns.WithLabelValues("skipped").Inc()
		if err := p.settleMerge(ctx, ownerID, store.MergeStatusIdle, skip, false); err != nil {
			return MergeResult{Status: store.MergeStatusFailed}, nil, err
		}
		return MergeResult{Status: store.MergeStatusIdle, SkipReason: skip}, nil, nil
	}

	usage, err := p.store.TagUsageStats(ctx, ownerID)
	if err != nil {
		return p.failMerge(ctx, ownerID, fmt.Errorf("load usage stats: %w", err))
	}

	system, user := BuildMergePrompt(entries, usage)
	modelCalls.WithLabelValues("merge").Inc()
	raw, err := p.llm.Generate(ctx, system, user)
	if err != nil {
		return p.failMerge(ctx, ownerID, fmt.Errorf("model call: %w", err))
	}
	var resp mergeResponse
	if err := helpers.DecodeObject(raw, &resp); err != nil {
		return p.failMerge(ctx, ownerID, fmt.Errorf("parse model output: %w", err))
	}

	merged, groups, err := p.applyMergeGroups(ctx, ownerID, entries, resp)
	if err != nil {
		return p.failMerge(ctx, ownerID, err)
	}
	if merged > 0 {
		p.hints.Invalidate(ctx, ownerID)
	}

	if err := p.settleMerge(ctx, ownerID, store.MergeStatusIdle, "", true); err != nil {
		return MergeResult{Status: store.MergeStatusFailed}, nil, err
	}
	mergeRuns.WithLabelValues("ok").Inc()
	res := MergeResult{Status: store.MergeStatusIdle, GroupCount: groups, MergedCount: merged}
	return res, []Signal{abilitySignal(ownerID)}, nil
}

// applyMergeGroups folds model groups into the dictionary. Canonical labels
// must be copied verbatim from the active set; a label consumed by one
// group is ignored by later ones. A canonical that was itself merged in an
// earlier run is reactivated, healing stale pointers.
func (p *Pipeline) applyMergeGroups(ctx context.Context, ownerID string, entries []store.TagDictionaryEntry, resp mergeResponse) (int, int, error) {
	byNorm := make(map[string]store.TagDictionaryEntry, len(entries))
	for _, e := range entries {
		byNorm[e.NormalizedLabel] = e
	}

	consumed := map[string]struct{}{}
	merged := 0
	applied := 0
	for _, g := range resp.Groups {
		canonKey := NormalizeLabel(g.Canonical)
		canon, ok := byNorm[canonKey]
		if !ok {
			// Not in the active set; check the full dictionary before
			// discarding, the model may point at a retired canonical.
			existing, found, err := p.store.GetTagEntryByNormalized(ctx, ownerID, canonKey)
			if err != nil {
				return merged, applied, fmt.Errorf("resolve canonical %q: %w", g.Canonical, err)
			}
			if !found {
				p.logger.Printf("merge: owner %s: dropping group with unknown canonical %q", ownerID, g.Canonical)
				continue
			}
			if existing.Status == store.TagStatusMerged {
				if err := p.store.ReactivateTagEntry(ctx, ownerID, existing.ID); err != nil {
					return merged, applied, fmt.Errorf("reactivate canonical %q: %w", g.Canonical, err)
				}
			}
			canon = existing
		}
		if _, taken := consumed[canonKey]; taken {
			continue
		}
		consumed[canonKey] = struct{}{}

		groupMerged := 0
		for _, m := range g.Members {
			memberKey := NormalizeLabel(m)
			if memberKey == canonKey {
				continue
			}
			if _, taken := consumed[memberKey]; taken {
				continue
			}
			member, ok := byNorm[memberKey]
			if !ok {
				continue
			}
			consumed[memberKey] = struct{}{}
			if err := p.store.MarkTagEntryMerged(ctx, ownerID, member.ID, canon.ID); err != nil {
				return merged, applied, fmt.Errorf("merge %q into %q: %w", member.Label, canon.Label, err)
			}
			merged++
			groupMerged++
		}
		if groupMerged > 0 {
			applied++
		}
	}
	return merged, applied, nil
}

func mergeSkipReason(n, min, max int) string {
	switch {
	case n < min:
		return fmt.Sprintf("skipped: %d active labels, below minimum %d", n, min)
	case n > max:
		return fmt.Sprintf("skipped: %d active labels, above maximum %d", n, max)
	default:
		return ""
	}
}

// settleMerge closes out a merge run. ran marks a real model run and
// stamps last_merged_at.
func (p *Pipeline) settleMerge(ctx context.Context, ownerID, status, message string, ran bool) error {
	now := p.Now().UTC()
	st, found, err := p.store.GetMergeState(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("get merge state: %w", err)
	}
	if !found {
		st = store.TagMergeState{OwnerID: ownerID}
	}
	st.Status = status
	st.ErrorMessage = message
	if status != store.MergeStatusPending {
		st.WindowStartedAt = nil
		st.NextRunAt = nil
	}
	if ran {
		st.LastMergedAt = &now
	}
	if err := p.store.UpsertMergeState(ctx, st); err != nil {
		return fmt.Errorf("upsert merge state: %w", err)
	}
	return nil
}

func (p *Pipeline) failMerge(ctx context.Context, ownerID string, cause error) (MergeResult, []Signal, error) {
	mergeRuns.WithLabelValues("failed").Inc()
	if err := p.settleMerge(ctx, ownerID, store.MergeStatusFailed, cause.Error(), false); err != nil {
		p.logger.Printf("warn: settle failed merge state for owner %s: %v", ownerID, err)
	}
	return MergeResult{Status: store.MergeStatusFailed}, nil, cause
}
