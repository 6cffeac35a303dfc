package validation

import (
	"math"
	"strconv"
	"strings"
)

// Status is the health of a metric.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusSuccess    Status = "success"
	StatusWarning    Status = "warning"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusSuccess, StatusWarning, StatusError:
		return true
	}
	return false
}

// AtRisk is true for warning and error.
func (s Status) AtRisk() bool {
	return s == StatusWarning || s == StatusError
}

// Direction tells which way a metric improves.
type Direction string

const (
	HigherIsBetter Direction = "higher-is-better"
	LowerIsBetter  Direction = "lower-is-better"
)

// ParseDirection accepts the canonical names plus the short forms "higher" and "lower".
// Anything else falls back to HigherIsBetter.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lower-is-better", "lower", "decrease":
		return LowerIsBetter
	default:
		return HigherIsBetter
	}
}

// Value is a parsed formatted metric value such as "18%" or "-3.5".
type Value struct {
	Number  float64
	Percent bool
}

// ParseValue normalizes a formatted string: surrounding space is trimmed, one trailing
// '%' is stripped and the rest must be a signed decimal.
func ParseValue(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, false
	}
	var v Value
	if strings.HasSuffix(s, "%") {
		v.Percent = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}
	if !isDecimal(s) {
		return Value{}, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(n, 0) {
		return Value{}, false
	}
	v.Number = n
	return v, true
}

// isDecimal accepts an optional sign followed by digits with at most one decimal point.
// Hex floats, exponents, underscores and Inf/NaN spellings are not decimals.
func isDecimal(s string) bool {
	if s != "" && (s[0] == '+' || s[0] == '-') {
		s = s[1:]
	}
	digits, dot := 0, false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}

// operand is an optional comparison value. present=false means the caller left it blank.
type operand struct {
	value   Value
	present bool
}

func parseOptional(s string) (operand, bool) {
	if strings.TrimSpace(s) == "" {
		return operand{}, true
	}
	v, ok := ParseValue(s)
	if !ok {
		return operand{}, false
	}
	return operand{value: v, present: true}, true
}

// Classify derives a metric status from its formatted values. It never fails: blank or
// malformed input, or operands with different units, yield StatusNotStarted.
//
// With no thresholds the metric either meets its target (success) or not (error). With
// thresholds, higher-is-better metrics warn while current sits between the warning floor
// and the target; lower-is-better metrics warn while current sits between the target and
// the error ceiling. A missing floor or ceiling defaults to the target, so the band
// collapses and anything short of the target is an error.
func Classify(current, target, warning, errorThreshold string, dir Direction) Status {
	if strings.TrimSpace(current) == "" {
		return StatusNotStarted
	}
	cur, ok := ParseValue(current)
	if !ok {
		return StatusNotStarted
	}
	tgt, ok := ParseValue(target)
	if !ok || tgt.Percent != cur.Percent {
		return StatusNotStarted
	}
	warn, ok := parseOptional(warning)
	if !ok || (warn.present && warn.value.Percent != cur.Percent) {
		return StatusNotStarted
	}
	errT, ok := parseOptional(errorThreshold)
	if !ok || (errT.present && errT.value.Percent != cur.Percent) {
		return StatusNotStarted
	}

	c, t := cur.Number, tgt.Number
	if dir == LowerIsBetter {
		if c <= t {
			return StatusSuccess
		}
		if !warn.present && !errT.present {
			return StatusError
		}
		ceiling := orTarget(errT, t)
		if c <= ceiling {
			return StatusWarning
		}
		return StatusError
	}

	if c >= t {
		return StatusSuccess
	}
	if !warn.present && !errT.present {
		return StatusError
	}
	floor := orTarget(warn, t)
	if c >= floor {
		return StatusWarning
	}
	return StatusError
}

func orTarget(o operand, target float64) float64 {
	if o.present {
		return o.value.Number
	}
	return target
}
