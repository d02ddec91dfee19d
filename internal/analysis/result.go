package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Emergency types understood by the host dashboard. The values are stored
// as-is by the conversation service.
const (
	TypeUncertain     = "IA incertaine"
	TypeUnhappyGuest  = "Client mécontent"
	TypePropertyIssue = "Problème avec le logement"
	TypeCritical      = "Urgence critique"
	TypeKnownAnswer   = "Réponse connue"
	TypeUnspecified   = "Non spécifié"
)

const (
	defaultConfidence  = 0.5
	defaultExplanation = "No explanation provided"
)

// ErrUnparseableResult is returned when the model answer holds no JSON object.
var ErrUnparseableResult = errors.New("analysis result is not json")

// Result is the urgency classification of a guest message.
type Result struct {
	IsEmergency       bool    `json:"isEmergency"`
	EmergencyType     *string `json:"emergencyType"`
	Confidence        float64 `json:"confidence"`
	UnknownResponse   bool    `json:"unknownResponse"`
	Explanation       string  `json:"explanation"`
	SuggestedResponse *string `json:"suggestedResponse,omitempty"`
}

// Type returns the emergency type or "".
func (r *Result) Type() string {
	if r.EmergencyType == nil {
		return ""
	}
	return *r.EmergencyType
}

type rawResult struct {
	IsEmergency       *bool    `json:"isEmergency"`
	EmergencyType     *string  `json:"emergencyType"`
	Confidence        *float64 `json:"confidence"`
	UnknownResponse   *bool    `json:"unknownResponse"`
	Explanation       string   `json:"explanation"`
	SuggestedResponse *string  `json:"suggestedResponse"`
}

// ParseResult extracts the JSON object from a model answer and fills the
// fields the model left out. Code fences and surrounding prose are tolerated.
func ParseResult(content string) (*Result, error) {
	var raw rawResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, ErrUnparseableResult
		}
		raw = rawResult{}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableResult, err)
		}
	}

	res := &Result{
		Confidence:        defaultConfidence,
		Explanation:       raw.Explanation,
		EmergencyType:     raw.EmergencyType,
		SuggestedResponse: raw.SuggestedResponse,
	}
	if raw.IsEmergency != nil {
		res.IsEmergency = *raw.IsEmergency
	}
	if raw.Confidence != nil {
		res.Confidence = clamp(*raw.Confidence)
	}
	if raw.UnknownResponse != nil {
		res.UnknownResponse = *raw.UnknownResponse
	}
	if res.IsEmergency && res.Type() == "" {
		t := TypeUnspecified
		res.EmergencyType = &t
	}
	if res.Explanation == "" {
		res.Explanation = defaultExplanation
	}
	return res, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
