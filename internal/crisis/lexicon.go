package crisis

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is a group of risk phrases that share a tag and level.
type Tier struct {
	Tag     Tag      `yaml:"tag"`
	Level   Level    `yaml:"level"`
	Phrases []string `yaml:"phrases"`
	// Exclude lists benign phrases that contain a tier phrase, such as
	// "cutting class". They are removed before the tier is matched.
	Exclude []string `yaml:"exclude,omitempty"`
	// Exemplars are full sentences embedded for semantic matching.
	Exemplars []string `yaml:"exemplars,omitempty"`

	patterns []phrasePattern
	excludes []*regexp.Regexp
}

type phrasePattern struct {
	re     *regexp.Regexp
	phrase string
}

// Lexicon is the curated risk-indicator set. It is immutable once compiled.
type Lexicon struct {
	Version string `yaml:"version"`
	Tiers   []Tier `yaml:"tiers"`
}

// Match is one phrase hit.
type Match struct {
	Tag    Tag
	Level  Level
	Phrase string
}

// DefaultLexicon returns the built-in indicator set. Deployments are expected
// to replace it with a clinically reviewed file. Bare single words such as
// "cutting" and "burden" trade precision for recall; give each one an
// exclude list for its common benign uses.
func DefaultLexicon() *Lexicon {
	lex := &Lexicon{
		Version: "builtin-1",
		Tiers: []Tier{
			{
				Tag:   TagSuicidalIdeation,
				Level: LevelCritical,
				Phrases: []string{
					"kill myself", "end my life", "suicide", "suicidal", "not worth living",
					"better off dead", "end it all", "take my own life", "want to die",
				},
				Exemplars: []string{
					"I don't want to be alive anymore",
					"everyone would be better off without me",
					"I have a plan to end things tonight",
				},
			},
			{
				Tag:   TagSelfHarm,
				Level: LevelHigh,
				Phrases: []string{
					"hurt myself", "cut myself", "self harm", "self-harm", "harm myself",
					"cutting", "burning myself",
				},
				Exclude: []string{
					"cutting class", "cutting classes", "cutting corners", "cutting back",
					"cutting edge", "cutting it close", "cutting board", "cutting hair",
				},
				Exemplars: []string{
					"I keep hurting my body when things get bad",
				},
			},
			{
				Tag:   TagSevereDepression,
				Level: LevelModerate,
				Phrases: []string{
					"hopeless", "no point", "nothing matters", "can't go on",
					"give up", "worthless", "burden",
				},
			},
			{
				Tag:   TagAcuteDistress,
				Level: LevelLow,
				Phrases: []string{
					"panic attack", "can't breathe", "heart racing", "overwhelmed",
					"falling apart", "breaking down",
				},
			},
		},
	}
	if err := lex.compile(); err != nil {
		panic(err)
	}
	return lex
}

// ParseLexicon decodes and validates a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("crisis: decode lexicon: %w", err)
	}
	if err := lex.compile(); err != nil {
		return nil, err
	}
	return &lex, nil
}

// LoadLexicon reads a YAML lexicon from disk.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crisis: read lexicon: %w", err)
	}
	return ParseLexicon(data)
}

func (l *Lexicon) compile() error {
	if len(l.Tiers) == 0 {
		return fmt.Errorf("crisis: lexicon has no tiers")
	}
	for i := range l.Tiers {
		tier := &l.Tiers[i]
		if tier.Tag == "" {
			return fmt.Errorf("crisis: tier %d missing tag", i)
		}
		if tier.Level == LevelNone {
			return fmt.Errorf("crisis: tier %q needs a level above none", tier.Tag)
		}
		if len(tier.Phrases) == 0 {
			return fmt.Errorf("crisis: tier %q has no phrases", tier.Tag)
		}
		tier.patterns = tier.patterns[:0]
		tier.excludes = tier.excludes[:0]
		for _, phrase := range tier.Exclude {
			if p := normalize(phrase); p != "" {
				tier.excludes = append(tier.excludes, regexp.MustCompile(`\b`+regexp.QuoteMeta(p)+`\b`))
			}
		}
		for _, phrase := range tier.Phrases {
			p := normalize(phrase)
			if p == "" {
				continue
			}
			tier.patterns = append(tier.patterns, phrasePattern{
				re:     regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`),
				phrase: phrase,
			})
		}
	}
	return nil
}

// Match returns every phrase hit in text, strongest tier first.
func (l *Lexicon) Match(text string) []Match {
	normalized := normalize(text)
	if normalized == "" {
		return nil
	}
	var out []Match
	for _, tier := range l.Tiers {
		scrubbed := normalized
		for _, ex := range tier.excludes {
			scrubbed = ex.ReplaceAllString(scrubbed, " ")
		}
		for _, p := range tier.patterns {
			if p.re.MatchString(scrubbed) {
				out = append(out, Match{Tag: tier.Tag, Level: tier.Level, Phrase: p.phrase})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out
}

// Exemplars returns the semantic exemplars with their tier.
func (l *Lexicon) Exemplars() []Match {
	var out []Match
	for _, tier := range l.Tiers {
		for _, ex := range tier.Exemplars {
			out = append(out, Match{Tag: tier.Tag, Level: tier.Level, Phrase: ex})
		}
	}
	return out
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(apostrophes.Replace(s))), " ")
}
