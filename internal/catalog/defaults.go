package catalog

import "github.com/nugget/kaizen/internal/observe"

// DefaultTypes returns the built-in action types.
func DefaultTypes() []ActionType {
	return []ActionType{
		{ID: "portfolio_review", Dimension: observe.Finance, Label: "Review portfolio positions and allocation"},
		{ID: "market_scan", Dimension: observe.Finance, Label: "Scan markets and news for relevant movements"},
		{ID: "health_check", Dimension: observe.Health, Label: "Review sleep, activity and health trends"},
		{ID: "goal_progress", Dimension: observe.Goals, Label: "Advance the most important active goal"},
		{ID: "career_growth", Dimension: observe.Career, Label: "Make progress on career development"},
		{ID: "learning_session", Dimension: observe.Learning, Label: "Run a focused learning session"},
		{ID: "news_digest", Dimension: observe.Awareness, Label: "Summarize relevant news and events"},
		{ID: "security_audit", Dimension: observe.Safety, Label: "Audit credentials, backups and exposure"},
		{ID: "system_maintenance", Dimension: observe.System, Label: "Maintain the host system and repositories"},
	}
}

// DefaultKeywords returns the built-in keyword table. Order matters:
// "portfolio" must be tried before "market" so that "portfolio market
// exposure" maps to a portfolio review.
func DefaultKeywords() []Keyword {
	return []Keyword{
		{Phrase: "portfolio", Action: "portfolio_review"},
		{Phrase: "market", Action: "market_scan"},
		{Phrase: "stock", Action: "market_scan"},
		{Phrase: "sleep", Action: "health_check"},
		{Phrase: "health", Action: "health_check"},
		{Phrase: "workout", Action: "health_check"},
		{Phrase: "goal", Action: "goal_progress"},
		{Phrase: "career", Action: "career_growth"},
		{Phrase: "job", Action: "career_growth"},
		{Phrase: "learn", Action: "learning_session"},
		{Phrase: "study", Action: "learning_session"},
		{Phrase: "news", Action: "news_digest"},
		{Phrase: "security", Action: "security_audit"},
		{Phrase: "backup", Action: "security_audit"},
		{Phrase: "system", Action: "system_maintenance"},
		{Phrase: "disk", Action: "system_maintenance"},
	}
}
