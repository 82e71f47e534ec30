package generation

import (
	"regexp"
	"strings"
)

// GuardResult is the verdict on an outbound reply.
type GuardResult struct {
	Blocked bool
	Reasons []string
	// Text is the cleaned reply; empty when blocked.
	Text string
}

type leakPattern struct {
	re     *regexp.Regexp
	reason string
}

var leakPatterns = []leakPattern{
	{regexp.MustCompile(`(?i)my (system\s+)?prompt\s+(is|says|tells|instructs)`), "leak:system_prompt"},
	{regexp.MustCompile(`(?i)my instructions?\s+(are|say|tell|include|require)`), "leak:instructions"},
	{regexp.MustCompile(`(?i)(here are|these are|the following are)\s+(my )?(system )?(instructions|rules|guidelines|prompts)`), "leak:rules_listing"},
	{regexp.MustCompile(`(?i)(api[_\s]?key|secret[_\s]?key|access[_\s]?token|bearer\s+token)\s*[:=]\s*\S+`), "leak:credential"},
	{regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "leak:aws_key"},
	{regexp.MustCompile(`(?i)(postgres|postgresql|redis|sqlite)://\S+`), "leak:database_url"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{2,5}\b`), "leak:ip_port"},
	{regexp.MustCompile(`(?i)/admin/|/internal/|/debug/`), "leak:internal_path"},
	{regexp.MustCompile(`(?i)(another|other) (student|user)('s|s')?\s+(name|email|messages?|screening|results?|conversations?)`), "leak:other_user"},
	// medication dosing is outside what a companion may give
	{regexp.MustCompile(`(?i)\b(take|try|increase|double)\s+(\d+\s*(mg|milligrams?)|(a|your)\s+(higher\s+)?dose)`), "unsafe:dosage"},
}

var (
	modelArtifacts = strings.NewReplacer(
		"<|eot_id|>", "", "<|end_of_text|>", "", "<|start_header_id|>", "",
		"<|end_header_id|>", "", "<|begin_of_text|>", "",
	)
	speakerPrefix = regexp.MustCompile(`(?i)^(saathi|assistant)\s*:\s*`)
)

// CheckOutput cleans model artifacts and blocks replies that leak internals,
// reference other users, or give dosing advice. Plain statements that the
// companion is an AI are fine.
func CheckOutput(reply string) GuardResult {
	cleaned := strings.TrimSpace(modelArtifacts.Replace(reply))
	cleaned = strings.TrimSpace(speakerPrefix.ReplaceAllString(cleaned, ""))
	cleaned = strings.Trim(cleaned, "\"")
	if cleaned == "" {
		return GuardResult{}
	}

	var reasons []string
	for _, p := range leakPatterns {
		if p.re.MatchString(cleaned) {
			reasons = append(reasons, p.reason)
		}
	}
	if len(reasons) > 0 {
		return GuardResult{Blocked: true, Reasons: reasons}
	}
	return GuardResult{Text: cleaned}
}
