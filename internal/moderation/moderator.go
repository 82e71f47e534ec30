package moderation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Category names the policy a message tripped.
type Category string

const (
	CategoryNone                 Category = ""
	CategorySelfHarmInstructions Category = "self_harm_instructions"
	CategoryViolentThreat        Category = "violent_threat"
	CategoryHate                 Category = "hate"
	CategoryPromptInjection      Category = "prompt_injection"
	CategoryTooShort             Category = "too_short"
	CategoryTooLong              Category = "too_long"
)

// Decision is the moderator verdict for one message.
type Decision struct {
	Allowed  bool
	Category Category
	Reason   string
	// Safety is set when the category overlaps clinical risk, so the crisis
	// detector must weigh the message even though it was refused.
	Safety  bool
	Score   float64
	Signals []string
	// Text is the message as it should flow downstream (sanitized, truncated).
	Text      string
	Truncated bool
}

// Blocked reports whether the message must not reach the model.
func (d Decision) Blocked() bool { return !d.Allowed }

type policyRule struct {
	category Category
	safety   bool
	reason   string
	patterns []*regexp.Regexp
}

var policyRules = []policyRule{
	{
		category: CategorySelfHarmInstructions,
		safety:   true,
		reason:   "request for self-harm methods",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bhow\s+(do|can|should|would)\s+(i|you|someone|a\s+person)\s+(kill|hurt|harm|cut|hang|poison)\s+(myself|yourself|themselves|oneself)`),
			regexp.MustCompile(`(?i)\b(best|easiest|quickest|painless|fastest)\s+(way|method)s?\s+to\s+(die|kill\s+myself|end\s+my\s+life|overdose)`),
			regexp.MustCompile(`(?i)\b(lethal|fatal|deadly)\s+dose\b`),
			regexp.MustCompile(`(?i)\bhow\s+many\s+(pills|tablets|sleeping\s+pills)\s+(to|would|does\s+it\s+take|should)`),
		},
	},
	{
		category: CategoryViolentThreat,
		safety:   true,
		reason:   "threat of violence toward others",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi('m|\s+am)?\s+(going\s+to|gonna|will|want\s+to)\s+(kill|shoot|stab|hurt|attack)\s+(him|her|them|you|everyone|people|my\s+\w+)`),
			regexp.MustCompile(`(?i)\b(bring|bringing|take|taking)\s+a\s+(gun|knife|weapon)\s+to\s+(school|class|campus)`),
		},
	},
	{
		category: CategoryHate,
		reason:   "hateful content toward a group",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\ball\s+\w+(\s+\w+)?\s+(should|must|deserve\s+to)\s+(die|be\s+killed|be\s+exterminated|be\s+wiped\s+out)`),
			regexp.MustCompile(`(?i)\b(subhuman|vermin)\s+(race|people|religion)\b`),
		},
	},
}

// Config bounds message length.
type Config struct {
	MinChars int
	MaxChars int
}

// Moderator applies content policy before any model call.
type Moderator struct {
	minChars int
	maxChars int
}

// New builds a moderator; zero values fall back to 3 and 2000 characters.
func New(cfg Config) *Moderator {
	if cfg.MinChars <= 0 {
		cfg.MinChars = 3
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 2000
	}
	return &Moderator{minChars: cfg.MinChars, maxChars: cfg.MaxChars}
}

// RefusalText is the templated reply for blocked, non-crisis messages.
const RefusalText = "I'm not able to help with that, but I'm here to listen. Would you like to tell me a bit about how you're feeling right now?"

// Moderate evaluates message text against policy. Length problems are tagged,
// not blocked.
func (m *Moderator) Moderate(text string) Decision {
	decision := Decision{Allowed: true, Text: text}

	for _, rule := range policyRules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				decision.Allowed = false
				decision.Category = rule.category
				decision.Reason = rule.reason
				decision.Safety = rule.safety
				decision.Score = 1.0
				decision.Signals = append(decision.Signals, string(rule.category))
				return decision
			}
		}
	}

	scan := ScanInjection(text)
	decision.Score = scan.Score
	decision.Signals = scan.Signals
	if scan.Blocked {
		decision.Allowed = false
		decision.Category = CategoryPromptInjection
		decision.Reason = "attempt to override assistant instructions"
		return decision
	}
	if scan.Score >= injectionWarnThreshold {
		decision.Text = Sanitize(text)
	}

	trimmed := strings.TrimSpace(decision.Text)
	switch {
	case utf8.RuneCountInString(trimmed) < m.minChars:
		decision.Category = CategoryTooShort
		decision.Reason = "message too short"
	case utf8.RuneCountInString(decision.Text) > m.maxChars:
		runes := []rune(decision.Text)
		decision.Text = string(runes[:m.maxChars]) + "..."
		decision.Truncated = true
		decision.Category = CategoryTooLong
		decision.Reason = "message truncated"
	}
	return decision
}
