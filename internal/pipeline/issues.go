package pipeline

import (
	"sort"

	"github.com/gradolab/tagline/internal/store"
)

// IssueStat is one normalized issue phrase with its distinct-student count.
type IssueStat struct {
	Phrase string
	Count  int
}

// ExtractIssues pulls issue phrases out of one submission's feedback.
// Itemized mistakes win (reason plus question text, whitespace collapsed);
// the free-form weaknesses list is the fallback. Phrases are deduplicated
// within the submission by normalized form.
func ExtractIssues(fb store.GradingFeedback) []string {
	var phrases []string
	for _, m := range fb.Mistakes {
		phrase := CollapseWhitespace(m.Reason + " " + m.Question)
		if phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	if len(phrases) == 0 {
		for _, w := range fb.Weaknesses {
			if phrase := CollapseWhitespace(w); phrase != "" {
				phrases = append(phrases, phrase)
			}
		}
	}

	seen := make(map[string]struct{}, len(phrases))
	out := phrases[:0]
	for _, phrase := range phrases {
		key := NormalizeLabel(phrase)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, phrase)
	}
	return out
}

// IssueStats aggregates issues across an assignment's graded submissions.
// A phrase's count is the number of distinct students who produced it, so
// one student's repeated mistake cannot dominate the ranking. The result
// is sorted by count descending (phrase ascending on ties) and truncated
// to limit.
func IssueStats(subs []store.GradedSubmission, limit int) []IssueStat {
	students := map[string]map[string]struct{}{}
	display := map[string]string{}
	for _, sub := range subs {
		for _, phrase := range ExtractIssues(sub.Feedback) {
			key := NormalizeLabel(phrase)
			if _, ok := display[key]; !ok {
				display[key] = phrase
			}
			if students[key] == nil {
				students[key] = map[string]struct{}{}
			}
			students[key][sub.StudentID] = struct{}{}
		}
	}

	out := make([]IssueStat, 0, len(students))
	for key, set := range students {
		out = append(out, IssueStat{Phrase: display[key], Count: len(set)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Phrase < out[j].Phrase
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
