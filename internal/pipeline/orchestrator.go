package pipeline

import (
	"context"
	"time"

	"github.com/gradolab/tagline/internal/store"
)

// SweepOptions tune one orchestrator pass. Force re-picks failed instances;
// Cascade runs due merge work immediately instead of waiting for the merge
// debounce window.
type SweepOptions struct {
	Force   bool
	Cascade bool
}

// AssignmentOutcome is one clustering attempt inside a sweep.
type AssignmentOutcome struct {
	OwnerID      string `json:"owner_id"`
	AssignmentID string `json:"assignment_id"`
	Status       string `json:"status"`
	SampleCount  int    `json:"sample_count"`
	Error        string `json:"error,omitempty"`
}

// MergeOutcome is one dictionary-merge attempt inside a sweep.
type MergeOutcome struct {
	OwnerID     string `json:"owner_id"`
	Status      string `json:"status"`
	SkipReason  string `json:"skip_reason,omitempty"`
	MergedCount int    `json:"merged_count"`
	Error       string `json:"error,omitempty"`
}

// AbilityOutcome is one ability-mapping attempt inside a sweep.
type AbilityOutcome struct {
	OwnerID      string `json:"owner_id"`
	Skipped      bool   `json:"skipped"`
	SkipReason   string `json:"skip_reason,omitempty"`
	MappingCount int    `json:"mapping_count"`
	Error        string `json:"error,omitempty"`
}

// SweepReport is the full record of one orchestrator pass.
type SweepReport struct {
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Assignments []AssignmentOutcome `json:"assignments"`
	Merges      []MergeOutcome      `json:"merges"`
	Abilities   []AbilityOutcome    `json:"abilities"`
	Rollups     int                 `json:"rollups"`
}

// Sweep runs one orchestrator pass: due clustering jobs first, then due
// merge jobs, then fan-out of the layer signals the jobs emitted. Every
// item is isolated; one failing assignment never blocks the rest of the
// pass. Claims are conditional updates, so concurrent sweeps split the due
// set instead of double-running it.
func (p *Pipeline) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	sweepsTotal.Inc()
	now := p.Now().UTC()
	report := SweepReport{StartedAt: now}
	var signals []Signal

	due, err := p.store.ListDueAssignmentStates(ctx, now, now.Add(-p.cfg.MaxWait), opts.Force)
	if err != nil {
		return report, err
	}
	for _, st := range due {
		claimed, err := p.store.ClaimAssignmentState(ctx, st.OwnerID, st.AssignmentID, opts.Force)
		if err != nil {
			report.Assignments = append(report.Assignments, AssignmentOutcome{
				OwnerID: st.OwnerID, AssignmentID: st.AssignmentID, Status: st.Status, Error: err.Error(),
			})
			continue
		}
		if !claimed {
			continue
		}
		status, samples, sigs, err := p.RunClustering(ctx, st.OwnerID, st.AssignmentID)
		outcome := AssignmentOutcome{
			OwnerID: st.OwnerID, AssignmentID: st.AssignmentID, Status: status, SampleCount: samples,
		}
		if err != nil {
			outcome.Error = err.Error()
			p.logger.Printf("sweep: clustering %s/%s failed: %v", st.OwnerID, st.AssignmentID, err)
		}
		report.Assignments = append(report.Assignments, outcome)
		signals = append(signals, sigs...)
	}

	dueMerges, err := p.store.ListDueMergeStates(ctx, now, now.Add(-p.cfg.MergeMaxWait), opts.Force)
	if err != nil {
		return report, err
	}
	for _, st := range dueMerges {
		outcome, sigs := p.runClaimedMerge(ctx, st.OwnerID, opts.Force)
		if outcome != nil {
			report.Merges = append(report.Merges, *outcome)
			signals = append(signals, sigs...)
		}
	}

	p.fanOut(ctx, signals, opts, &report)
	report.FinishedAt = p.Now().UTC()
	return report, nil
}

// fanOut drains the signal queue. Merge signals run only under cascade
// (the debounce window handles them otherwise) and may enqueue further
// ability signals. Domain and ability recomputes are deduplicated.
func (p *Pipeline) fanOut(ctx context.Context, signals []Signal, opts SweepOptions, report *SweepReport) {
	mergedOwners := map[string]struct{}{}
	for _, m := range report.Merges {
		mergedOwners[m.OwnerID] = struct{}{}
	}
	var domainSigs []Signal
	abilityOwners := map[string]struct{}{}

	for len(signals) > 0 {
		sig := signals[0]
		signals = signals[1:]
		switch sig.Layer {
		case LayerMerge:
			if !opts.Cascade {
				continue
			}
			if _, done := mergedOwners[sig.OwnerID]; done {
				continue
			}
			mergedOwners[sig.OwnerID] = struct{}{}
			outcome, sigs := p.runClaimedMerge(ctx, sig.OwnerID, true)
			if outcome != nil {
				report.Merges = append(report.Merges, *outcome)
				signals = append(signals, sigs...)
			}
		case LayerDomain:
			domainSigs = append(domainSigs, sig)
		case LayerAbility:
			abilityOwners[sig.OwnerID] = struct{}{}
		}
	}

	seenDomains := map[[2]string]struct{}{}
	for _, sig := range domainSigs {
		key := [2]string{sig.OwnerID, sig.Domain}
		if _, done := seenDomains[key]; done {
			continue
		}
		seenDomains[key] = struct{}{}
		if err := p.RollupDomain(ctx, sig.OwnerID, sig.Domain); err != nil {
			p.logger.Printf("sweep: domain rollup %s/%s failed: %v", sig.OwnerID, sig.Domain, err)
			continue
		}
		report.Rollups++
	}

	for owner := range abilityOwners {
		res, err := p.RunAbilityMapping(ctx, owner)
		outcome := AbilityOutcome{
			OwnerID: owner, Skipped: res.Skipped, SkipReason: res.SkipReason, MappingCount: res.MappingCount,
		}
		if err != nil {
			outcome.Error = err.Error()
			p.logger.Printf("sweep: ability mapping for owner %s failed: %v", owner, err)
		}
		report.Abilities = append(report.Abilities, outcome)
	}
}

// runClaimedMerge claims and runs one owner's merge job. A nil outcome
// means another sweep holds the claim.
func (p *Pipeline) runClaimedMerge(ctx context.Context, ownerID string, force bool) (*MergeOutcome, []Signal) {
	claimed, err := p.store.ClaimMergeState(ctx, ownerID, force)
	if err != nil {
		return &MergeOutcome{OwnerID: ownerID, Status: store.MergeStatusFailed, Error: err.Error()}, nil
	}
	if !claimed {
		return nil, nil
	}
	res, sigs, err := p.RunMerge(ctx, ownerID)
	outcome := &MergeOutcome{
		OwnerID: ownerID, Status: res.Status, SkipReason: res.SkipReason, MergedCount: res.MergedCount,
	}
	if err != nil {
		outcome.Error = err.Error()
		p.logger.Printf("sweep: merge for owner %s failed: %v", ownerID, err)
	}
	return outcome, sigs
}
