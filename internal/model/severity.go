package model

import "fmt"

// Severity is a coarse ordinal classification of how far a trigger has
// deviated from its baseline. Values are ordered: Info < Warning < High < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

// SeverityFromDeviation maps a deviation percentage onto fixed breakpoints:
// [0,25) info, [25,50) warning, [50,100) high, [100,inf) critical.
func SeverityFromDeviation(pct float64) Severity {
	switch {
	case pct >= 100:
		return SeverityCritical
	case pct >= 50:
		return SeverityHigh
	case pct >= 25:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("model: unknown severity %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
