package governance

import "fmt"

// Stable policy reason codes.
const (
	CodeEmergencyAlreadyActive = "emergency_already_active"
	CodeEmergencyNotActive     = "emergency_not_active"
	CodeEmergencyExpired       = "emergency_expired"
	CodeInsufficientEvidence   = "insufficient_evidence"
	CodeInsufficientSignatures = "insufficient_signatures"
	CodeMaxExtensionsReached   = "max_extensions_reached"
	CodeInvalidEmergencyTier   = "invalid_emergency_tier"
	CodeObligationNotRequired  = "obligation_not_required"
	CodeObligationRecorded     = "obligation_already_recorded"
	CodeOverrideNotPermitted   = "tier_override_not_permitted"
	CodeVetoNotActive          = "veto_not_active"
	CodePRNotOpen              = "pull_request_not_open"
)

// NoExtensionCode is the reason code for extending a tier that never allows
// extensions, e.g. no_extension_allowed_critical.
func NoExtensionCode(t EmergencyTier) string {
	return "no_extension_allowed_" + t.Slug()
}

// PolicyError reports an operation that the governance state machine does
// not permit.
type PolicyError struct {
	Code    string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func policyErr(code, format string, args ...any) *PolicyError {
	return &PolicyError{Code: code, Message: fmt.Sprintf(format, args...)}
}
