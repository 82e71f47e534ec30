package screening

import (
	"fmt"
	"strings"
)

// Instrument identifies a standardized screening questionnaire.
type Instrument string

const (
	PHQ9  Instrument = "PHQ9"
	GAD7  Instrument = "GAD7"
	GHQ12 Instrument = "GHQ12"
)

// Band is a named severity range. GHQ-12 results carry an empty band.
type Band string

const (
	BandNone             Band = ""
	BandMinimal          Band = "minimal"
	BandMild             Band = "mild"
	BandModerate         Band = "moderate"
	BandModeratelySevere Band = "moderately_severe"
	BandSevere           Band = "severe"
)

type bandRange struct {
	band           Band
	max            int
	recommendation string
}

// schema describes how an instrument validates and totals its responses.
type schema struct {
	items    int
	minValue int
	maxValue int
	maxScore int
	// itemScore maps a raw response onto the value that is summed.
	itemScore func(int) int
	bands     []bandRange
	// severe is the band that raises the risk flag on its own.
	severe Band
}

func identity(v int) int { return v }

// ghqTransform applies the 0-0-1-1 scoring used by GHQ-12.
func ghqTransform(v int) int {
	if v >= 2 {
		return 1
	}
	return 0
}

var schemas = map[Instrument]schema{
	PHQ9: {
		items: 9, minValue: 0, maxValue: 3, maxScore: 27,
		itemScore: identity,
		bands: []bandRange{
			{BandMinimal, 4, "Monitor symptoms. Consider lifestyle improvements."},
			{BandMild, 9, "Consider counseling or therapy. Monitor closely."},
			{BandModerate, 14, "Counseling recommended. Consider professional help."},
			{BandModeratelySevere, 19, "Professional therapy strongly recommended."},
			{BandSevere, 27, "Immediate professional help recommended. Consider psychiatrist consultation."},
		},
		severe: BandSevere,
	},
	GAD7: {
		items: 7, minValue: 0, maxValue: 3, maxScore: 21,
		itemScore: identity,
		bands: []bandRange{
			{BandMinimal, 4, "Anxiety symptoms are minimal. Continue healthy habits."},
			{BandMild, 9, "Mild anxiety. Consider stress management techniques."},
			{BandModerate, 14, "Moderate anxiety. Professional support recommended."},
			{BandSevere, 21, "Severe anxiety. Professional treatment strongly recommended."},
		},
		severe: BandSevere,
	},
	GHQ12: {
		items: 12, minValue: 0, maxValue: 3, maxScore: 12,
		itemScore: ghqTransform,
	},
}

// ghqGuidance is advisory text keyed by GHQ-12 totals. It is not a severity band.
var ghqGuidance = []struct {
	max  int
	text string
}{
	{3, "Good general mental health. Maintain current habits."},
	{6, "Some areas of concern. Consider wellness strategies."},
	{9, "Multiple areas of concern. Professional consultation recommended."},
	{12, "Significant concerns across multiple areas. Professional help recommended."},
}

// ghqFollowUpThreshold is the lowest GHQ-12 total that warrants a follow-up.
const ghqFollowUpThreshold = 4

// ParseInstrument accepts common spellings such as "phq9", "PHQ-9" and "gad_7".
func ParseInstrument(raw string) (Instrument, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	inst := Instrument(normalized)
	if _, ok := schemas[inst]; !ok {
		return "", &ValidationError{Instrument: Instrument(raw), Reason: "unknown instrument"}
	}
	return inst, nil
}

// ItemCount returns the number of items the instrument expects.
func (i Instrument) ItemCount() int {
	return schemas[i].items
}

// MaxScore returns the highest achievable total.
func (i Instrument) MaxScore() int {
	return schemas[i].maxScore
}

// Valid reports whether the instrument is known.
func (i Instrument) Valid() bool {
	_, ok := schemas[i]
	return ok
}

// ValidationError is returned when responses do not match the instrument's schema.
type ValidationError struct {
	Instrument Instrument
	Item       int
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Item > 0 {
		return fmt.Sprintf("screening: %s item %d: %s", e.Instrument, e.Item, e.Reason)
	}
	return fmt.Sprintf("screening: %s: %s", e.Instrument, e.Reason)
}
