package severity

// Severity classifies a captured query's execution latency.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Fixed thresholds for now; per-project configuration is a known
// extension point.
const (
	mediumThresholdMs   = 1000
	highThresholdMs     = 2000
	criticalThresholdMs = 5000
)

// Classify maps an execution time in milliseconds to a severity.
// Thresholds are exclusive: exactly 1000ms is still Low.
func Classify(executionTimeMs int) Severity {
	switch {
	case executionTimeMs > criticalThresholdMs:
		return Critical
	case executionTimeMs > highThresholdMs:
		return High
	case executionTimeMs > mediumThresholdMs:
		return Medium
	default:
		return Low
	}
}

// Label returns the human-readable form used in notifications.
func (s Severity) Label() string {
	switch s {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool {
	switch s {
	case Low, Medium, High, Critical:
		return true
	default:
		return false
	}
}
