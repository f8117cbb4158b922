package routing

import "github.com/uniassist/gateway/pkg/models"

// Rule binds a provider to its keyword set. Rules are scored in slice order,
// which also serves as the deterministic tie-break.
type Rule struct {
	ProviderID    string
	Keywords      []string
	SuggestedMode models.RunMode
}

// FallbackProviderID handles turns where no rule passes the score threshold.
const FallbackProviderID = "builtin_chat"

// DefaultRules is the built-in provider table. Keyword matching is a
// case-insensitive substring check, so multi-script keywords work without
// word segmentation.
func DefaultRules() []Rule {
	return []Rule{
		{
			ProviderID:    "plan",
			Keywords:      []string{"plan", "planning", "schedule", "roadmap", "milestone", "计划", "规划"},
			SuggestedMode: models.RunModeSync,
		},
		{
			ProviderID:    "work",
			Keywords:      []string{"work", "task", "ticket", "project", "deadline", "工作", "任务"},
			SuggestedMode: models.RunModeAsync,
		},
		{
			ProviderID:    "reminder",
			Keywords:      []string{"remind", "reminder", "alarm", "notify", "提醒"},
			SuggestedMode: models.RunModeAsync,
		},
		{
			ProviderID:    "note",
			Keywords:      []string{"note", "notes", "memo", "write down", "笔记", "记录"},
			SuggestedMode: models.RunModeSync,
		},
	}
}

// RuleFor returns the rule for a provider id, if the table has one.
func RuleFor(rules []Rule, providerID string) (Rule, bool) {
	for _, r := range rules {
		if r.ProviderID == providerID {
			return r, true
		}
	}
	return Rule{}, false
}
