package routing

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/uniassist/gateway/pkg/models"
)

// Scoring and sticky-dynamics constants. These are contract values: clients
// and provider teams tune their keyword sets against them, so changing one
// is a behavioural break, not a tweak.
const (
	// ScoreBase is the score awarded for the first keyword hit.
	ScoreBase = 0.45
	// ScorePerHit is added for every hit, first included.
	ScorePerHit = 0.18
	// ScoreCap bounds a single provider's keyword score.
	ScoreCap = 0.95
	// SelectionThreshold is the minimum score for a candidate to be run.
	SelectionThreshold = 0.55
	// ConfirmationMargin: a top-two gap below this asks the user to choose.
	ConfirmationMargin = 0.10
	// StickyBoostDefault is the boost granted when a provider becomes sticky.
	StickyBoostDefault = 0.15
	// StickyBoostDecay is subtracted from the boost every turn.
	StickyBoostDecay = 0.03
	// SwitchLeadMargin is the lead a challenger needs over the sticky.
	SwitchLeadMargin = 0.15
	// DriftSimilarityThreshold: Jaccard below this counts as a topic drift.
	DriftSimilarityThreshold = 0.30
	// MaxSelectedCandidates caps how many providers run for one turn.
	MaxSelectedCandidates = 2
)

// scoreRules computes keyword scores for every rule against the text,
// returning only positive scores sorted descending. Ties keep rule-table
// order because the sort is stable over the table iteration.
func scoreRules(rules []Rule, text string, stickyProviderID string, stickyBoost float64) []models.RouteCandidate {
	lowered := strings.ToLower(text)

	var candidates []models.RouteCandidate
	for _, rule := range rules {
		hits := 0
		for _, kw := range rule.Keywords {
			if strings.Contains(lowered, kw) {
				hits++
			}
		}

		score := 0.0
		reason := "no keyword hit"
		if hits > 0 {
			score = ScoreBase + ScorePerHit*float64(hits)
			if score > ScoreCap {
				score = ScoreCap
			}
			reason = fmt.Sprintf("%d keyword hit(s)", hits)
		}
		if rule.ProviderID == stickyProviderID && stickyBoost > 0 {
			score += stickyBoost
			reason += fmt.Sprintf(", sticky boost %.2f", stickyBoost)
		}
		if score <= 0 {
			continue
		}

		candidates = append(candidates, models.RouteCandidate{
			ProviderID:    rule.ProviderID,
			Score:         score,
			Reason:        reason,
			SuggestedMode: rule.SuggestedMode,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// tokenise splits lowercased text into Unicode letter/digit runs.
func tokenise(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens[b.String()] = struct{}{}
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// jaccard computes set similarity between two token sets. Two empty sets
// are treated as identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}
