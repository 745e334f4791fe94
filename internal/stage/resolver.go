package stage

import "strings"

type MatchKind int

const (
	Exact MatchKind = iota
	Substring
	Keyword
)

func (k MatchKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Substring:
		return "substring"
	case Keyword:
		return "keyword"
	}
	return "unknown"
}

// Rule pairs a lowercase pattern with the stage it selects.
type Rule struct {
	Kind    MatchKind
	Pattern string
	Stage   Stage
}

func (r Rule) Match(normalized string) bool {
	switch r.Kind {
	case Exact:
		return normalized == r.Pattern
	case Substring:
		if normalized == "" {
			return false
		}
		return strings.Contains(normalized, r.Pattern) || strings.Contains(r.Pattern, normalized)
	case Keyword:
		return strings.Contains(normalized, r.Pattern)
	}
	return false
}

// Spellings known from the model vocabularies this service has been fed.
// Order matters: substring matching returns the first hit, not the best one.
var spellings = []struct {
	label string
	stage Stage
}{
	{"no dr", NoDR},
	{"mild npdr", Mild},
	{"moderate npdr", Moderate},
	{"severe npdr", Severe},
	{"pdr", Proliferative},
	{"proliferative dr", Proliferative},
	{"proliferative diabetic retinopathy", Proliferative},
}

// DefaultRules returns the rule table Resolve uses, in evaluation order.
func DefaultRules() []Rule {
	var rules []Rule
	for _, s := range spellings {
		rules = append(rules, Rule{Kind: Exact, Pattern: s.label, Stage: s.stage})
	}
	for _, s := range canonical {
		rules = append(rules,
			Rule{Kind: Exact, Pattern: s.Key, Stage: s},
			Rule{Kind: Exact, Pattern: strings.ToLower(s.DisplayName), Stage: s},
		)
	}
	for _, s := range spellings {
		rules = append(rules, Rule{Kind: Substring, Pattern: s.label, Stage: s.stage})
	}
	rules = append(rules,
		Rule{Kind: Keyword, Pattern: "proliferative", Stage: Proliferative},
		Rule{Kind: Keyword, Pattern: "mild", Stage: Mild},
		Rule{Kind: Keyword, Pattern: "moderate", Stage: Moderate},
		Rule{Kind: Keyword, Pattern: "severe", Stage: Severe},
		Rule{Kind: Keyword, Pattern: "no", Stage: NoDR},
		Rule{Kind: Keyword, Pattern: "normal", Stage: NoDR},
	)
	return rules
}

type Resolver struct {
	rules []Rule
}

func NewResolver(rules []Rule) *Resolver {
	return &Resolver{rules: rules}
}

var defaultResolver = NewResolver(DefaultRules())

// Resolve maps raw onto a canonical stage using the default rules.
func Resolve(raw string) Stage {
	return defaultResolver.Resolve(raw)
}

// Resolve never fails: labels no rule matches come back as an Unknown
// stage keyed by the slugified input.
func (r *Resolver) Resolve(raw string) Stage {
	stage, _, _ := r.Match(raw)
	return stage
}

// Match is Resolve plus the rule that fired; ok is false for Unknown.
func (r *Resolver) Match(raw string) (Stage, *Rule, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for i := range r.rules {
		if r.rules[i].Match(normalized) {
			return r.rules[i].Stage, &r.rules[i], true
		}
	}
	return Unknown(raw), nil, false
}

// Unknown builds the placeholder record for an unrecognised label.
func Unknown(raw string) Stage {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	return Stage{
		Key:          strings.ReplaceAll(normalized, " ", "_"),
		Ordinal:      -1,
		OrdinalLabel: unknownLabel,
		DisplayName:  raw,
		Description:  "The image could not be matched to a known stage. Consult with your ophthalmologist for a full examination.",
	}
}
