package pipeline

import (
	"fmt"
	"strings"

	"github.com/gradolab/tagline/internal/store"
)

const clusterSystemPrompt = `You are an assistant that clusters student error descriptions from graded assignments into short, reusable tag labels for teachers.

RULES:
1. Group semantically equivalent issues under one short label (2-8 words).
2. Prefer reusing one of the provided existing labels when it fits; only invent a new label when nothing fits.
3. A tag's count is the number of students affected; it must never exceed the number of graded submissions.
4. Attach at most 2 short example phrases per tag, copied from the input issues.
5. Return between 4 and 8 tags unless the input supports fewer.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "tags": [
    {"label": "short tag label", "count": 3, "examples": ["example phrase", "example phrase"]}
  ]
}
Do not include any other text or explanation.`

// BuildClusterPrompt renders the clustering call for one assignment.
func BuildClusterPrompt(issues []IssueStat, hints []string, sampleCount, tagLimit int) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "GRADED SUBMISSIONS: %d\nMAX TAGS: %d\n\nISSUES (phrase -> students affected):\n", sampleCount, tagLimit)
	for _, is := range issues {
		fmt.Fprintf(&b, "- %s -> %d\n", is.Phrase, is.Count)
	}
	if len(hints) > 0 {
		b.WriteString("\nEXISTING LABELS (reuse when applicable):\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return clusterSystemPrompt, b.String()
}

const mergeSystemPrompt = `You are an assistant that curates a teacher's dictionary of error tags by grouping near-duplicate labels.

RULES:
1. Only group labels that describe the same underlying mistake.
2. Each group's canonical label MUST be copied verbatim from the provided labels.
3. A label may appear in at most one group.
4. Distinct concepts must NOT be grouped; returning zero groups is a valid answer.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "groups": [
    {"canonical": "existing label text", "members": ["duplicate label", "another duplicate"]}
  ]
}
Do not include any other text or explanation.`

// BuildMergePrompt renders the dictionary-merge call for one owner.
func BuildMergePrompt(labels []store.TagDictionaryEntry, usage map[string]store.LabelUsage) (string, string) {
	var b strings.Builder
	b.WriteString("LABELS (label | total occurrences | assignments):\n")
	for _, e := range labels {
		u := usage[e.NormalizedLabel]
		fmt.Fprintf(&b, "- %s | %d | %d\n", e.Label, u.TagCount, u.AssignmentCount)
	}
	return mergeSystemPrompt, b.String()
}

const abilitySystemPrompt = `You are an assistant that classifies a teacher's error tags into a small set of coarse ability categories (for example: calculation, reading comprehension, formula application).

RULES:
1. Ability category names must be very short (2-6 characters in the teacher's language).
2. Prefer reusing one of the provided existing categories when it fits.
3. Map every tag to its best-fitting ability with a confidence between 0 and 1.
4. Keep the category set small; do not invent one category per tag.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "abilities": ["category name"],
  "mappings": [
    {"tag": "tag label", "ability": "category name", "confidence": 0.8}
  ]
}
Do not include any other text or explanation.`

// BuildAbilityPrompt renders the ability-mapping call for one owner.
func BuildAbilityPrompt(tags []store.TagDictionaryEntry, abilities []store.AbilityDictionaryEntry) (string, string) {
	var b strings.Builder
	b.WriteString("TAGS:\n")
	for _, t := range tags {
		fmt.Fprintf(&b, "- %s\n", t.Label)
	}
	if len(abilities) > 0 {
		b.WriteString("\nEXISTING ABILITY CATEGORIES (reuse when applicable):\n")
		for _, a := range abilities {
			fmt.Fprintf(&b, "- %s\n", a.Name)
		}
	}
	return abilitySystemPrompt, b.String()
}
