package screening

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// selfHarmItem is the zero-based index of PHQ-9 item 9.
const selfHarmItem = 8

// RiskFlag is raised when a result should feed the crisis detector.
type RiskFlag struct {
	Raised       bool `json:"raised"`
	SelfHarmItem bool `json:"self_harm_item,omitempty"`
	SevereBand   bool `json:"severe_band,omitempty"`
}

// Result is an immutable scored submission.
type Result struct {
	ID             string     `json:"id"`
	Instrument     Instrument `json:"instrument"`
	OwnerID        string     `json:"owner_id"`
	RawResponses   []int      `json:"raw_responses"`
	TotalScore     int        `json:"total_score"`
	MaxScore       int        `json:"max_score"`
	SeverityBand   Band       `json:"severity_band,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	FollowUpNeeded bool       `json:"follow_up_needed"`
	Risk           RiskFlag   `json:"risk"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Score validates responses against the instrument and totals them.
// Any schema violation fails the whole submission.
func Score(instrument Instrument, responses []int) (Result, error) {
	sc, ok := schemas[instrument]
	if !ok {
		return Result{}, &ValidationError{Instrument: instrument, Reason: "unknown instrument"}
	}
	if len(responses) != sc.items {
		return Result{}, &ValidationError{
			Instrument: instrument,
			Reason:     fmt.Sprintf("expected %d responses, got %d", sc.items, len(responses)),
		}
	}

	total := 0
	for i, v := range responses {
		if v < sc.minValue || v > sc.maxValue {
			return Result{}, &ValidationError{
				Instrument: instrument,
				Item:       i + 1,
				Reason:     fmt.Sprintf("value %d outside %d..%d", v, sc.minValue, sc.maxValue),
			}
		}
		total += sc.itemScore(v)
	}

	raw := make([]int, len(responses))
	copy(raw, responses)

	result := Result{
		ID:           uuid.NewString(),
		Instrument:   instrument,
		RawResponses: raw,
		TotalScore:   total,
		MaxScore:     sc.maxScore,
		CreatedAt:    time.Now().UTC(),
	}

	if len(sc.bands) == 0 {
		result.Recommendation = ghqRecommendation(total)
		result.FollowUpNeeded = total >= ghqFollowUpThreshold
		return result, nil
	}

	for _, b := range sc.bands {
		if total <= b.max {
			result.SeverityBand = b.band
			result.Recommendation = b.recommendation
			break
		}
	}
	result.FollowUpNeeded = result.SeverityBand != BandMinimal

	if instrument == PHQ9 && raw[selfHarmItem] >= 1 {
		result.Risk.SelfHarmItem = true
	}
	if result.SeverityBand == sc.severe {
		result.Risk.SevereBand = true
	}
	result.Risk.Raised = result.Risk.SelfHarmItem || result.Risk.SevereBand
	return result, nil
}

func ghqRecommendation(total int) string {
	for _, g := range ghqGuidance {
		if total <= g.max {
			return g.text
		}
	}
	return ""
}
