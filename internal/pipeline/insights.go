package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

type insightPattern struct {
	re      *regexp.Regexp
	minRune int
}

// phrase captures words up to the end of a clause.
const phrase = `([a-z][a-z' ]*[a-z])`

var memoryUpdatePatterns = map[string][]insightPattern{
	"interests": {
		{regexp.MustCompile(`\bi (?:like|love|enjoy) ` + phrase), 3},
		{regexp.MustCompile(`\bi'm into ` + phrase), 3},
		{regexp.MustCompile(`\bmy hobby is ` + phrase), 3},
	},
	"academic": {
		{regexp.MustCompile(`\bi'm (?:studying|majoring in) ` + phrase), 0},
		{regexp.MustCompile(`\bmy major is ` + phrase), 0},
		{regexp.MustCompile(`\bi'm an? ([a-z]+) major\b`), 0},
	},
	"goals": {
		{regexp.MustCompile(`\bi want to ` + phrase), 4},
		{regexp.MustCompile(`\bmy goal is to ` + phrase), 4},
		{regexp.MustCompile(`\bi hope to ` + phrase), 4},
	},
}

var copingKeywords = []string{
	"breathing", "meditation", "exercise", "journaling", "sleep",
	"talk to someone", "counseling", "therapy", "mindfulness",
	"grounding", "relaxation", "self-care", "break", "walk",
}

// ExtractMemoryUpdates pulls interests, academic details and goals the user
// stated about themselves.
func ExtractMemoryUpdates(userText string) map[string][]string {
	text := strings.ToLower(strings.ReplaceAll(userText, "’", "'"))
	out := make(map[string][]string)
	for kind, patterns := range memoryUpdatePatterns {
		for _, p := range patterns {
			for _, m := range p.re.FindAllStringSubmatch(text, -1) {
				value := strings.TrimSpace(m[1])
				if len([]rune(value)) < p.minRune {
					continue
				}
				out[kind] = append(out[kind], value)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ExtractCoping lists the coping strategies a reply mentions, title-cased and
// sorted.
func ExtractCoping(reply string) []string {
	lower := strings.ToLower(reply)
	var out []string
	for _, kw := range copingKeywords {
		if strings.Contains(lower, kw) {
			out = append(out, titleCase(kw))
		}
	}
	sort.Strings(out)
	return out
}

func titleCase(s string) string {
	runes := []rune(s)
	upper := true
	for i, r := range runes {
		if upper && unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
		}
		upper = !unicode.IsLetter(r)
	}
	return string(runes)
}
