package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BTCDecoded/governance-app/internal/protocol"
)

// Job types written by the gatekeeper.
const (
	JobPROpened              = "pr_opened"
	JobPRSynchronized        = "pr_synchronized"
	JobPRClosed              = "pr_closed"
	JobTierChanged           = "tier_changed"
	JobTierOverride          = "tier_override"
	JobReviewRecorded        = "review_recorded"
	JobSignatureAdded        = "signature_added"
	JobSignatureDuplicate    = "signature_duplicate"
	JobSignatureRejected     = "signature_rejected"
	JobVetoSubmitted         = "veto_submitted"
	JobVetoWithdrawn         = "veto_withdrawn"
	JobVetoRejected          = "veto_rejected"
	JobVetoIntent            = "veto_intent"
	JobEmergencyActivated    = "emergency_activated"
	JobEmergencyExtended     = "emergency_extended"
	JobEmergencyExpired      = "emergency_expired"
	JobEmergencyClosed       = "emergency_closed"
	JobEmergencyRejected     = "emergency_rejected"
	JobPostMortemRecorded    = "post_mortem_recorded"
	JobSecurityAuditRecorded = "security_audit_recorded"
	JobDecisionRendered      = "decision_rendered"
	JobRulesetLoaded         = "ruleset_loaded"
	JobAuditAnchored         = "audit_anchored"
)

// jobNamespace scopes deterministic job ids derived from delivery keys.
var jobNamespace = uuid.MustParse("6f1c5b0e-2d4a-4f59-9a57-3c1d0f7c2b11")

type Entry struct {
	Seq         int64           `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PrevLogHash string          `json:"prev_log_hash"`
	ThisLogHash string          `json:"this_log_hash"`
}

// Record is an event waiting to be appended.
type Record struct {
	JobID   string
	JobType string
	Actor   string
	Payload any
}

// NewJobID returns a random job id.
func NewJobID() string {
	return uuid.NewString()
}

// DerivedJobID is stable for a given source key and job type, so replaying
// the same delivery maps onto the same job.
func DerivedJobID(sourceKey, jobType string) string {
	return uuid.NewSHA1(jobNamespace, []byte(sourceKey+"|"+jobType)).String()
}

// Next builds the entry that follows tip (nil for an empty log). The
// timestamp is clamped so it never precedes the tip.
func Next(tip *Entry, rec Record, now time.Time) (Entry, error) {
	if rec.JobType == "" {
		return Entry{}, errors.New("job type is required")
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := protocol.CanonicalJSON(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	entry := Entry{
		Seq:         0,
		Timestamp:   now.UTC().Truncate(time.Microsecond),
		JobID:       rec.JobID,
		JobType:     rec.JobType,
		Actor:       rec.Actor,
		Payload:     json.RawMessage(canonical),
		PrevLogHash: protocol.ZeroHash,
	}
	if entry.JobID == "" {
		entry.JobID = NewJobID()
	}
	if tip != nil {
		entry.Seq = tip.Seq + 1
		entry.PrevLogHash = tip.ThisLogHash
		if entry.Timestamp.Before(tip.Timestamp) {
			entry.Timestamp = tip.Timestamp
		}
	}
	hash, err := ComputeHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.ThisLogHash = hash
	return entry, nil
}

// CanonicalBytes serializes the entry without this_log_hash, keys sorted.
func CanonicalBytes(e Entry) ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	shape := map[string]any{
		"seq":           e.Seq,
		"timestamp":     FormatTimestamp(e.Timestamp),
		"job_id":        e.JobID,
		"job_type":      e.JobType,
		"payload":       payload,
		"prev_log_hash": e.PrevLogHash,
	}
	if e.Actor != "" {
		shape["actor"] = e.Actor
	}
	return protocol.CanonicalJSON(shape)
}

// ComputeHash is sha256(canonical_bytes(entry) || prev_log_hash).
func ComputeHash(e Entry) (string, error) {
	raw, err := CanonicalBytes(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %d: %w", e.Seq, err)
	}
	raw = append(raw, e.PrevLogHash...)
	return protocol.SHA256Hex(raw), nil
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
