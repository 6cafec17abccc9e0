package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gradolab/tagline/internal/store"
)

type stateKey struct{ owner, assignment string }

// fakeStore is an in-memory StoreAPI for pipeline tests.
type fakeStore struct {
	states      map[stateKey]store.AssignmentTagState
	mergeStates map[string]store.TagMergeState
	entries     []store.TagDictionaryEntry
	aggs        map[stateKey][]store.AssignmentTagAggregate
	domainAggs  map[stateKey][]store.DomainTagAggregate
	abilities   []store.AbilityDictionaryEntry
	mappings    map[string][]store.TagAbilityMapping
	abilityAggs map[string][]store.AbilityAggregate
	subs        map[stateKey][]store.GradedSubmission
	domains     map[stateKey]string

	nextID int
	failOn map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:      map[stateKey]store.AssignmentTagState{},
		mergeStates: map[string]store.TagMergeState{},
		aggs:        map[stateKey][]store.AssignmentTagAggregate{},
		domainAggs:  map[stateKey][]store.DomainTagAggregate{},
		mappings:    map[string][]store.TagAbilityMapping{},
		abilityAggs: map[string][]store.AbilityAggregate{},
		subs:        map[stateKey][]store.GradedSubmission{},
		domains:     map[stateKey]string{},
		failOn:      map[string]error{},
	}
}

func (f *fakeStore) fail(op string) error { return f.failOn[op] }

func (f *fakeStore) genID() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeStore) GetAssignmentState(ctx context.Context, ownerID, assignmentID string) (store.AssignmentTagState, bool, error) {
	if err := f.fail("GetAssignmentState"); err != nil {
		return store.AssignmentTagState{}, false, err
	}
	st, ok := f.states[stateKey{ownerID, assignmentID}]
	return st, ok, nil
}

func (f *fakeStore) UpsertAssignmentState(ctx context.Context, st store.AssignmentTagState) error {
	if err := f.fail("UpsertAssignmentState"); err != nil {
		return err
	}
	f.states[stateKey{st.OwnerID, st.AssignmentID}] = st
	return nil
}

func (f *fakeStore) ListDueAssignmentStates(ctx context.Context, now, maxWaitBoundary time.Time, force bool) ([]store.AssignmentTagState, error) {
	var out []store.AssignmentTagState
	for _, st := range f.states {
		if st.ManualLocked {
			continue
		}
		due := st.Status == store.StatePending &&
			((st.NextRunAt != nil && !st.NextRunAt.After(now)) ||
				(st.WindowStartedAt != nil && !st.WindowStartedAt.After(maxWaitBoundary)))
		if due || (force && st.Status == store.StateFailed) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimAssignmentState(ctx context.Context, ownerID, assignmentID string, force bool) (bool, error) {
	k := stateKey{ownerID, assignmentID}
	st, ok := f.states[k]
	if !ok || st.ManualLocked {
		return false, nil
	}
	if st.Status != store.StatePending && !(force && st.Status == store.StateFailed) {
		return false, nil
	}
	st.Status = store.StateRunning
	st.Dirty = false
	f.states[k] = st
	return true, nil
}

func (f *fakeStore) SetManualLock(ctx context.Context, ownerID, assignmentID string, locked bool) error {
	k := stateKey{ownerID, assignmentID}
	st := f.states[k]
	st.OwnerID, st.AssignmentID = ownerID, assignmentID
	st.ManualLocked = locked
	f.states[k] = st
	return nil
}

func (f *fakeStore) AssignmentSampleCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	out := map[string]int{}
	for k, st := range f.states {
		if k.owner == ownerID {
			out[k.assignment] = st.SampleCount
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveTagEntries(ctx context.Context, ownerID string) ([]store.TagDictionaryEntry, error) {
	if err := f.fail("ListActiveTagEntries"); err != nil {
		return nil, err
	}
	var out []store.TagDictionaryEntry
	for _, e := range f.entries {
		if e.OwnerID == ownerID && e.Status == store.TagStatusActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ListTagEntries(ctx context.Context, ownerID string) ([]store.TagDictionaryEntry, error) {
	var out []store.TagDictionaryEntry
	for _, e := range f.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTagEntryByNormalized(ctx context.Context, ownerID, normalized string) (store.TagDictionaryEntry, bool, error) {
	var merged *store.TagDictionaryEntry
	for i, e := range f.entries {
		if e.OwnerID != ownerID || e.NormalizedLabel != normalized {
			continue
		}
		if e.Status == store.TagStatusActive {
			return e, true, nil
		}
		if merged == nil {
			merged = &f.entries[i]
		}
	}
	if merged != nil {
		return *merged, true, nil
	}
	return store.TagDictionaryEntry{}, false, nil
}

func (f *fakeStore) EnsureActiveTagEntry(ctx context.Context, ownerID, label, normalized string) (store.TagDictionaryEntry, bool, error) {
	if err := f.fail("EnsureActiveTagEntry"); err != nil {
		return store.TagDictionaryEntry{}, false, err
	}
	if e, ok, _ := f.GetTagEntryByNormalized(ctx, ownerID, normalized); ok {
		return e, false, nil
	}
	e := store.TagDictionaryEntry{
		ID: f.genID(), OwnerID: ownerID, Label: label,
		NormalizedLabel: normalized, Status: store.TagStatusActive,
	}
	f.entries = append(f.entries, e)
	return e, true, nil
}

func (f *fakeStore) MarkTagEntryMerged(ctx context.Context, ownerID, id, canonicalID string) error {
	for i, e := range f.entries {
		if e.OwnerID == ownerID && e.ID == id {
			f.entries[i].Status = store.TagStatusMerged
			f.entries[i].MergedToTagID = &canonicalID
			return nil
		}
	}
	return fmt.Errorf("no entry %s", id)
}

func (f *fakeStore) ReactivateTagEntry(ctx context.Context, ownerID, id string) error {
	for i, e := range f.entries {
		if e.OwnerID == ownerID && e.ID == id {
			f.entries[i].Status = store.TagStatusActive
			f.entries[i].MergedToTagID = nil
			return nil
		}
	}
	return fmt.Errorf("no entry %s", id)
}

func (f *fakeStore) TagUsageStats(ctx context.Context, ownerID string) (map[string]store.LabelUsage, error) {
	out := map[string]store.LabelUsage{}
	seen := map[string]map[string]struct{}{}
	for k, rows := range f.aggs {
		if k.owner != ownerID {
			continue
		}
		for _, a := range rows {
			norm := NormalizeLabel(a.TagLabel)
			u := out[norm]
			u.Label = norm
			u.TagCount += a.TagCount
			if seen[norm] == nil {
				seen[norm] = map[string]struct{}{}
			}
			seen[norm][k.assignment] = struct{}{}
			u.AssignmentCount = len(seen[norm])
			out[norm] = u
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceAssignmentAggregates(ctx context.Context, ownerID, assignmentID string, aggs []store.AssignmentTagAggregate) error {
	if err := f.fail("ReplaceAssignmentAggregates"); err != nil {
		return err
	}
	for i := range aggs {
		aggs[i].OwnerID = ownerID
		aggs[i].AssignmentID = assignmentID
	}
	f.aggs[stateKey{ownerID, assignmentID}] = aggs
	return nil
}

func (f *fakeStore) ListOwnerAssignmentAggregates(ctx context.Context, ownerID string) ([]store.AssignmentTagAggregate, error) {
	var out []store.AssignmentTagAggregate
	for k, rows := range f.aggs {
		if k.owner == ownerID {
			out = append(out, rows...)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceDomainAggregates(ctx context.Context, ownerID, domain string, aggs []store.DomainTagAggregate) error {
	f.domainAggs[stateKey{ownerID, domain}] = aggs
	return nil
}

func (f *fakeStore) ListAbilityEntries(ctx context.Context, ownerID string) ([]store.AbilityDictionaryEntry, error) {
	var out []store.AbilityDictionaryEntry
	for _, a := range f.abilities {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) EnsureAbilityEntry(ctx context.Context, ownerID, name, normalized string) (store.AbilityDictionaryEntry, bool, error) {
	for _, a := range f.abilities {
		if a.OwnerID == ownerID && a.NormalizedName == normalized {
			return a, false, nil
		}
	}
	a := store.AbilityDictionaryEntry{ID: f.genID(), OwnerID: ownerID, Name: name, NormalizedName: normalized}
	f.abilities = append(f.abilities, a)
	return a, true, nil
}

func (f *fakeStore) ReplaceTagAbilityMappings(ctx context.Context, ownerID string, mappings []store.TagAbilityMapping) error {
	f.mappings[ownerID] = mappings
	return nil
}

func (f *fakeStore) ListTagAbilityMappings(ctx context.Context, ownerID string) ([]store.TagAbilityMapping, error) {
	return f.mappings[ownerID], nil
}

func (f *fakeStore) ReplaceAbilityAggregates(ctx context.Context, ownerID string, aggs []store.AbilityAggregate) error {
	f.abilityAggs[ownerID] = aggs
	return nil
}

func (f *fakeStore) ListAbilityAggregates(ctx context.Context, ownerID string) ([]store.AbilityAggregate, error) {
	return f.abilityAggs[ownerID], nil
}

func (f *fakeStore) GetMergeState(ctx context.Context, ownerID string) (store.TagMergeState, bool, error) {
	st, ok := f.mergeStates[ownerID]
	return st, ok, nil
}

func (f *fakeStore) UpsertMergeState(ctx context.Context, st store.TagMergeState) error {
	f.mergeStates[st.OwnerID] = st
	return nil
}

func (f *fakeStore) ListDueMergeStates(ctx context.Context, now, maxWaitBoundary time.Time, force bool) ([]store.TagMergeState, error) {
	var out []store.TagMergeState
	for _, st := range f.mergeStates {
		due := st.Status == store.MergeStatusPending &&
			((st.NextRunAt != nil && !st.NextRunAt.After(now)) ||
				(st.WindowStartedAt != nil && !st.WindowStartedAt.After(maxWaitBoundary)))
		if due || (force && st.Status == store.MergeStatusFailed) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimMergeState(ctx context.Context, ownerID string, force bool) (bool, error) {
	st, ok := f.mergeStates[ownerID]
	if !ok {
		return false, nil
	}
	if st.Status != store.MergeStatusPending && !(force && st.Status == store.MergeStatusFailed) {
		return false, nil
	}
	st.Status = store.MergeStatusRunning
	f.mergeStates[ownerID] = st
	return true, nil
}

func (f *fakeStore) GradedSubmissions(ctx context.Context, ownerID, assignmentID string) ([]store.GradedSubmission, error) {
	if err := f.fail("GradedSubmissions"); err != nil {
		return nil, err
	}
	return f.subs[stateKey{ownerID, assignmentID}], nil
}

func (f *fakeStore) AssignmentDomain(ctx context.Context, ownerID, assignmentID string) (string, error) {
	return f.domains[stateKey{ownerID, assignmentID}], nil
}

func (f *fakeStore) AssignmentDomains(ctx context.Context, ownerID string) (map[string]string, error) {
	out := map[string]string{}
	for k, d := range f.domains {
		if k.owner == ownerID {
			out[k.assignment] = d
		}
	}
	return out, nil
}

// fakeProvider replays scripted responses.
type fakeProvider struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (f *fakeProvider) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("no scripted response")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeProvider) Model() string { return "fake-model" }
