package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/gradolab/tagline/internal/store"
)

func seedDictionary(fs *fakeStore, owner string, labels ...string) {
	for _, l := range labels {
		fs.entries = append(fs.entries, store.TagDictionaryEntry{
			ID: fs.genID(), OwnerID: owner, Label: l,
			NormalizedLabel: NormalizeLabel(l), Status: store.TagStatusActive,
		})
	}
}

func entryByLabel(fs *fakeStore, label string) store.TagDictionaryEntry {
	for _, e := range fs.entries {
		if e.Label == label {
			return e
		}
	}
	return store.TagDictionaryEntry{}
}

func TestRunMergeSkipsSmallDictionary(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{}
	p, _ := newTestPipeline(fs, fp)
	seedDictionary(fs, "t1", "a", "b", "c")
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	res, signals, err := p.RunMerge(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if res.Status != store.MergeStatusIdle || res.SkipReason == "" {
		t.Fatalf("expected idle skip, got %+v", res)
	}
	if fp.calls != 0 {
		t.Fatalf("model should not be called below the label floor")
	}
	if len(signals) != 0 {
		t.Fatalf("skips must not cascade, got %v", signals)
	}
	st := fs.mergeStates["t1"]
	if st.Status != store.MergeStatusIdle || !strings.Contains(st.ErrorMessage, "below minimum") {
		t.Fatalf("skip reason not recorded: %+v", st)
	}
	if st.LastMergedAt != nil {
		t.Fatalf("skip must not stamp last_merged_at")
	}
}

func TestRunMergeSkipsOversizedDictionary(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{}
	p, _ := newTestPipeline(fs, fp)
	labels := make([]string, 0, 121)
	for i := 0; i < 121; i++ {
		labels = append(labels, "label "+string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	seedDictionary(fs, "t1", labels...)
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	res, _, err := p.RunMerge(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if !strings.Contains(res.SkipReason, "above maximum") {
		t.Fatalf("expected oversize skip, got %+v", res)
	}
	if fp.calls != 0 {
		t.Fatalf("model should not be called above the label ceiling")
	}
}

func TestRunMergeAppliesGroups(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{responses: []string{`{"groups":[
		{"canonical":"sign errors","members":["sign mistakes","Sign Errors","arithmetic signs"]},
		{"canonical":"unknown label","members":["unit confusion"]}
	]}`}}
	p, _ := newTestPipeline(fs, fp)
	seedDictionary(fs, "t1", "sign errors", "sign mistakes", "arithmetic signs", "unit confusion")
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	res, signals, err := p.RunMerge(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if res.MergedCount != 2 || res.GroupCount != 1 {
		t.Fatalf("expected 2 merged labels in 1 group, got %+v", res)
	}

	canon := entryByLabel(fs, "sign errors")
	for _, label := range []string{"sign mistakes", "arithmetic signs"} {
		e := entryByLabel(fs, label)
		if e.Status != store.TagStatusMerged || e.MergedToTagID == nil || *e.MergedToTagID != canon.ID {
			t.Fatalf("label %q not merged into canonical: %+v", label, e)
		}
	}
	if e := entryByLabel(fs, "sign errors"); e.Status != store.TagStatusActive {
		t.Fatalf("canonical must stay active: %+v", e)
	}
	// the group with an unknown canonical is dropped whole
	if e := entryByLabel(fs, "unit confusion"); e.Status != store.TagStatusActive {
		t.Fatalf("member of dropped group must stay active: %+v", e)
	}

	if len(signals) != 1 || signals[0].Layer != LayerAbility {
		t.Fatalf("a real merge run must signal the ability layer, got %v", signals)
	}
	st := fs.mergeStates["t1"]
	if st.Status != store.MergeStatusIdle || st.ErrorMessage != "" || st.LastMergedAt == nil {
		t.Fatalf("merge state not settled: %+v", st)
	}
}

func TestRunMergeFirstGroupWins(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{responses: []string{`{"groups":[
		{"canonical":"alpha","members":["beta"]},
		{"canonical":"gamma","members":["beta","alpha"]}
	]}`}}
	p, _ := newTestPipeline(fs, fp)
	seedDictionary(fs, "t1", "alpha", "beta", "gamma", "delta")
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	res, _, err := p.RunMerge(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if res.MergedCount != 1 {
		t.Fatalf("labels may merge once, got %+v", res)
	}
	beta := entryByLabel(fs, "beta")
	if *beta.MergedToTagID != entryByLabel(fs, "alpha").ID {
		t.Fatalf("beta should belong to the first group: %+v", beta)
	}
	if e := entryByLabel(fs, "alpha"); e.Status != store.TagStatusActive {
		t.Fatalf("a consumed canonical must not merge into a later group: %+v", e)
	}
}

func TestRunMergeReactivatesRetiredCanonical(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{responses: []string{`{"groups":[{"canonical":"sign errors","members":["sign mistakes"]}]}`}}
	p, _ := newTestPipeline(fs, fp)
	seedDictionary(fs, "t1", "sign errors", "sign mistakes", "alpha", "beta")
	// retire the canonical as if an earlier run folded it away
	canon := entryByLabel(fs, "sign errors")
	_ = fs.MarkTagEntryMerged(context.Background(), "t1", canon.ID, entryByLabel(fs, "alpha").ID)
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	if _, _, err := p.RunMerge(context.Background(), "t1"); err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if e := entryByLabel(fs, "sign errors"); e.Status != store.TagStatusActive || e.MergedToTagID != nil {
		t.Fatalf("canonical not reactivated: %+v", e)
	}
	if e := entryByLabel(fs, "sign mistakes"); e.Status != store.TagStatusMerged {
		t.Fatalf("member not merged: %+v", e)
	}
}

func TestRunMergeZeroGroupsStillSignalsAbility(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{responses: []string{`{"groups":[]}`}}
	p, _ := newTestPipeline(fs, fp)
	seedDictionary(fs, "t1", "a", "b", "c", "d")
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	res, signals, err := p.RunMerge(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if res.MergedCount != 0 {
		t.Fatalf("unexpected merges: %+v", res)
	}
	if len(signals) != 1 || signals[0].Layer != LayerAbility {
		t.Fatalf("ability layer must be signalled after every real run, got %v", signals)
	}
	if fs.mergeStates["t1"].LastMergedAt == nil {
		t.Fatalf("real run must stamp last_merged_at")
	}
}

func TestRunMergeMalformedOutputFails(t *testing.T) {
	fs := newFakeStore()
	fp := &fakeProvider{responses: []string{"not json"}}
	p, _ := newTestPipeline(fs, fp)
	seedDictionary(fs, "t1", "a", "b", "c", "d")
	fs.mergeStates["t1"] = store.TagMergeState{OwnerID: "t1", Status: store.MergeStatusRunning}

	res, signals, err := p.RunMerge(context.Background(), "t1")
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if res.Status != store.MergeStatusFailed || len(signals) != 0 {
		t.Fatalf("failed run must not cascade: %+v %v", res, signals)
	}
	st := fs.mergeStates["t1"]
	if st.Status != store.MergeStatusFailed || st.ErrorMessage == "" {
		t.Fatalf("failure not recorded: %+v", st)
	}
}
