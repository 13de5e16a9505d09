package incident

import "github.com/lookout-dev/lookout/internal/domain"

const (
	slowLatencyThresholdMS = 500
	brokenStatusThreshold  = 500
	rateLimitEventTag      = "rate-limit-hit"
)

// Rule maps a predicate over a telemetry event to an incident type.
type Rule struct {
	Type  string
	Match func(domain.TelemetryEvent) bool
}

// DefaultRules returns the built-in rule set. Rules are independent: every
// matching rule fires, not just the first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:  domain.IncidentTypeSlow,
			Match: func(e domain.TelemetryEvent) bool { return e.LatencyMS > slowLatencyThresholdMS },
		},
		{
			Type:  domain.IncidentTypeBroken,
			Match: func(e domain.TelemetryEvent) bool { return e.Status >= brokenStatusThreshold },
		},
		{
			Type:  domain.IncidentTypeRateLimit,
			Match: func(e domain.TelemetryEvent) bool { return e.Event == rateLimitEventTag },
		},
	}
}

// Classifier evaluates telemetry events against an ordered rule set. It is
// pure: no I/O, no state beyond the rules it was built with.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from the supplied rules, falling back to
// DefaultRules when none are given.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the incident types triggered by the event, in rule order.
// Zero-valued fields never trigger a rule, so an empty event classifies to
// an empty set.
func (c *Classifier) Classify(event domain.TelemetryEvent) []string {
	types := make([]string, 0, len(c.rules))
	for _, rule := range c.rules {
		if rule.Match(event) {
			types = append(types, rule.Type)
		}
	}
	return types
}
