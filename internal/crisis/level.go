package crisis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is an ordered risk level.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelModerate
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"none", "low", "moderate", "high", "critical"}

func (l Level) String() string {
	if l < LevelNone || l > LevelCritical {
		return "unknown"
	}
	return levelNames[l]
}

// Escalates reports whether the level requires the crisis short-circuit.
func (l Level) Escalates() bool { return l >= LevelHigh }

// ParseLevel maps a level name back to its value.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("crisis: unknown level %q", raw)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l Level) MarshalYAML() (any, error) { return l.String(), nil }

func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Tag labels why a message carries risk.
type Tag string

const (
	TagSuicidalIdeation Tag = "suicidal_ideation"
	TagSelfHarm         Tag = "self_harm"
	TagSevereDepression Tag = "severe_depression"
	TagSevereAnxiety    Tag = "severe_anxiety"
	TagPsychosis        Tag = "psychosis"
	TagSubstanceAbuse   Tag = "substance_abuse"
	TagAcuteDistress    Tag = "acute_distress"
	TagScreeningRisk    Tag = "screening_risk"
	TagModerationSafety Tag = "moderation_safety"
)

// Source records which signal decided the final level.
type Source string

const (
	SourceNone            Source = ""
	SourceMessageText     Source = "message_text"
	SourceHistory         Source = "history"
	SourceScreeningResult Source = "screening_result"
	SourceModeration      Source = "moderation"
	SourceEscalationFloor Source = "escalation_floor"
)
