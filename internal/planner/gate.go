package planner

// Decision is the confidence gate outcome.
type Decision string

const (
	DecisionAutoFix  Decision = "auto_fix"
	DecisionEscalate Decision = "escalate"
)

// DefaultThreshold is the confidence at or above which a fix is attempted.
const DefaultThreshold = 0.70

// Decide routes a diagnosis: auto_fix when confidence >= threshold, escalate
// otherwise. NaN escalates.
func Decide(confidence, threshold float64) Decision {
	if confidence >= threshold {
		return DecisionAutoFix
	}
	return DecisionEscalate
}
