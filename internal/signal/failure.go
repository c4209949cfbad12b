package signal

import "fmt"

// Parse failure reasons. These end up verbatim in the execution audit trail,
// so keep them short and stable.
const (
	ReasonEmptyOutput       = "empty_output"
	ReasonNoDirection       = "no_direction"
	ReasonAmbiguous         = "ambiguous_direction"
	ReasonUnknownInstrument = "unknown_instrument"
	ReasonBadNumber         = "bad_number"
	ReasonStopWrongSide     = "stop_wrong_side"
	ReasonTargetWrongSide   = "target_wrong_side"
	ReasonMissingStops      = "missing_stops"
	ReasonSchema            = "schema_mismatch"
	ReasonAIUnavailable     = "ai_unavailable"
)

// ParseFailure rejects a detection with a machine-checkable reason and a
// human-readable detail. Non-retryable by definition.
type ParseFailure struct {
	Reason string
	Detail string
}

func (e *ParseFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("signal parse failed: %s", e.Reason)
	}
	return fmt.Sprintf("signal parse failed: %s (%s)", e.Reason, e.Detail)
}

func failf(reason, format string, args ...any) *ParseFailure {
	return &ParseFailure{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
