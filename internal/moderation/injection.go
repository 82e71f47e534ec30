package moderation

import (
	"regexp"
	"strings"
)

// InjectionScan is the result of scanning a message for prompt injection.
type InjectionScan struct {
	Blocked bool
	// Score is a heuristic risk score (0.0 = safe, 1.0 = certain injection).
	Score   float64
	Signals []string
}

type weightedPattern struct {
	re     *regexp.Regexp
	signal string
	weight float64
}

const (
	injectionBlockThreshold = 0.7
	injectionWarnThreshold  = 0.3
	// extraSignalBoost is added per additional signal beyond the strongest one.
	extraSignalBoost = 0.1
)

var overridePatterns = []weightedPattern{
	{regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier|your)\s+(instructions?|rules?|prompts?|guidelines?|directives?|programming)`), "override:ignore_instructions", 0.9},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`), "override:role_reassignment", 0.7},
	{regexp.MustCompile(`(?i)new\s+role\s*:|new\s+instructions?\s*:|system\s*prompt\s*:|<<\s*sys(tem)?\s*>>`), "override:new_role", 0.9},
	{regexp.MustCompile(`(?i)(pretend|imagine|assume)\s+(that\s+)?(you\s+)?(are|have|were|don'?t\s+have)\s+(no\s+)?(rules?|restrictions?|limits?|guidelines?|filters?|safety)`), "override:pretend_no_rules", 0.9},
	{regexp.MustCompile(`(?i)bypass\s+(your\s+)?(safety|filters?|restrictions?|guidelines?|rules?|content\s+policy)`), "override:bypass", 0.8},
	{regexp.MustCompile(`(?i)jailbreak|DAN\s*mode|developer\s*mode|unrestricted\s*mode|god\s*mode`), "override:jailbreak_keyword", 0.9},
}

var exfiltrationPatterns = []weightedPattern{
	{regexp.MustCompile(`(?i)(reveal|show|print|output|repeat|tell\s+me|what\s+(is|are))\s+(your\s+)?(system\s+prompt|instructions?|initial\s+prompt|hidden\s+prompt|system\s+message)`), "exfiltration:system_prompt", 0.8},
	{regexp.MustCompile(`(?i)(what|list|show|give|tell)\s+(me\s+)?(all\s+)?(the\s+)?(other\s+)?(students?|users?|people)('s|')?\s+(conversations?|messages?|data|names?|screenings?|records?|memories)`), "exfiltration:other_owner_data", 0.8},
	{regexp.MustCompile(`(?i)\b(api|secret|aws|database|db|jwt)\s*(key|token|secret|password|credential)s?\b`), "exfiltration:credentials", 0.8},
	{regexp.MustCompile(`(?i)repeat\s+(everything|all|the\s+text)\s+(above|before|from\s+the\s+start)`), "exfiltration:repeat_above", 0.7},
}

var framingPatterns = []weightedPattern{
	{regexp.MustCompile(`(?i)\[/?INST\]|\[/?SYS\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>|<\|user\|>|<\|assistant\|>`), "framing:special_tokens", 0.9},
	{regexp.MustCompile(`(?i)###\s*(system|instruction|human|assistant|user)\s*:`), "framing:role_markers", 0.7},
	{regexp.MustCompile(`(?i)the\s+real\s+(instructions?|task|prompt)\s+(is|starts?|begins?)`), "framing:real_instructions", 0.8},
	{regexp.MustCompile(`<\s*(script|iframe|object|embed|svg|form)\b`), "framing:html_injection", 0.6},
	{regexp.MustCompile(`(?i)base64\s*(encode|decode|:)|\\x[0-9a-fA-F]{2}`), "framing:encoding", 0.5},
}

var injectionPatterns = func() []weightedPattern {
	all := make([]weightedPattern, 0, len(overridePatterns)+len(exfiltrationPatterns)+len(framingPatterns))
	all = append(all, overridePatterns...)
	all = append(all, exfiltrationPatterns...)
	all = append(all, framingPatterns...)
	return all
}()

// ScanInjection scores inbound text for attempts to steer the model.
func ScanInjection(text string) InjectionScan {
	if strings.TrimSpace(text) == "" {
		return InjectionScan{}
	}
	var signals []string
	maxWeight := 0.0
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			signals = append(signals, p.signal)
			if p.weight > maxWeight {
				maxWeight = p.weight
			}
		}
	}
	score := maxWeight
	if len(signals) > 1 {
		score += float64(len(signals)-1) * extraSignalBoost
		if score > 1.0 {
			score = 1.0
		}
	}
	return InjectionScan{
		Blocked: score >= injectionBlockThreshold,
		Score:   score,
		Signals: signals,
	}
}

var (
	specialTokenRe  = regexp.MustCompile(`(?i)\[/?INST\]|\[/?SYS\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>|<\|user\|>|<\|assistant\|>`)
	roleMarkerRe    = regexp.MustCompile(`(?i)###\s*(system|instruction|human|assistant|user)\s*:`)
	htmlTagRe       = regexp.MustCompile(`<\s*(script|img|iframe|object|embed|link|style|svg|form)\b[^>]*>`)
	markdownImageRe = regexp.MustCompile(`!\[.*?\]\(https?://[^)]+\)`)
)

// Sanitize strips framing markers while keeping the user's words.
func Sanitize(text string) string {
	cleaned := specialTokenRe.ReplaceAllString(text, "")
	cleaned = roleMarkerRe.ReplaceAllString(cleaned, "")
	cleaned = htmlTagRe.ReplaceAllString(cleaned, "")
	cleaned = markdownImageRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}
