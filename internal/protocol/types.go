package protocol

import "time"

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Inbound webhook payloads. Only the fields the engine reads are declared;
// everything else in the platform payload is ignored on decode.

type User struct {
	Login string `json:"login"`
}

type Repository struct {
	FullName string `json:"full_name"`
}

type PullRequestHead struct {
	SHA string `json:"sha"`
}

// PullRequestBody is the subset of GitHub's pull_request object the
// gatekeeper reads. ChangedPaths is not sent by GitHub; a forwarder in front
// of the webhook may attach the PR file list. Tiering falls back to the text.
type PullRequestBody struct {
	Number       int             `json:"number"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	User         User            `json:"user"`
	Head         PullRequestHead `json:"head"`
	CreatedAt    *time.Time      `json:"created_at,omitempty"`
	Merged       bool            `json:"merged"`
	ChangedPaths []string        `json:"changed_paths,omitempty"`
}

type PullRequestEvent struct {
	Action      string          `json:"action"`
	Repository  Repository      `json:"repository"`
	PullRequest PullRequestBody `json:"pull_request"`
}

type Review struct {
	User  User   `json:"user"`
	State string `json:"state"`
}

type PullRequestReviewEvent struct {
	Action      string          `json:"action"`
	Repository  Repository      `json:"repository"`
	PullRequest PullRequestBody `json:"pull_request"`
	Review      Review          `json:"review"`
}

type Issue struct {
	Number int `json:"number"`
}

type Comment struct {
	ID   int64  `json:"id"`
	User User   `json:"user"`
	Body string `json:"body"`
}

type IssueCommentEvent struct {
	Action     string     `json:"action"`
	Repository Repository `json:"repository"`
	Issue      Issue      `json:"issue"`
	Comment    Comment    `json:"comment"`
}

type WebhookResponse struct {
	Status   string           `json:"status"`
	Event    string           `json:"event,omitempty"`
	Repo     string           `json:"repo,omitempty"`
	Number   int              `json:"number,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	Decision *DecisionSummary `json:"decision,omitempty"`
}

type DecisionSummary struct {
	Verdict            string   `json:"verdict"`
	Reasons            []string `json:"reasons"`
	Tier               int      `json:"tier"`
	ReviewPeriodMet    bool     `json:"review_period_met"`
	SignaturesMet      bool     `json:"signatures_met"`
	VetoActive         bool     `json:"veto_active"`
	EmergencyActive    bool     `json:"emergency_active"`
	SignaturesCurrent  int      `json:"signatures_current"`
	SignaturesRequired int      `json:"signatures_required"`
	ElapsedDays        int      `json:"elapsed_days"`
	RequiredDays       int      `json:"required_days"`
	StatusState        string   `json:"status_state"`
	StatusText         string   `json:"status_text"`
}

// Admin API requests.

type SignerSignature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type EmergencyActivateRequest struct {
	Tier        string            `json:"tier"`
	ActivatedBy string            `json:"activated_by"`
	Reason      string            `json:"reason"`
	Evidence    string            `json:"evidence"`
	Signatures  []SignerSignature `json:"signatures"`
}

type EmergencyExtendRequest struct {
	RequestedBy string            `json:"requested_by"`
	Signatures  []SignerSignature `json:"signatures"`
}

type ObligationRequest struct {
	RecordedBy string `json:"recorded_by"`
	URL        string `json:"url"`
}

type VetoRequest struct {
	NodeID    string `json:"node_id"`
	Repo      string `json:"repo"`
	Number    int    `json:"number"`
	Kind      string `json:"kind"`
	Strength  int    `json:"strength"`
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
}

type WithdrawVetoRequest struct {
	NodeID    string `json:"node_id"`
	Repo      string `json:"repo"`
	Number    int    `json:"number"`
	Signature string `json:"signature"`
}

type EmergencyView struct {
	ID                     string     `json:"id"`
	Scope                  string     `json:"scope"`
	Tier                   string     `json:"tier"`
	State                  string     `json:"state"`
	ActivatedBy            string     `json:"activated_by"`
	Reason                 string     `json:"reason"`
	ActivatedAt            time.Time  `json:"activated_at"`
	ExpiresAt              time.Time  `json:"expires_at"`
	ExtensionCount         int        `json:"extension_count"`
	PostMortemDeadline     *time.Time `json:"post_mortem_deadline,omitempty"`
	PostMortemPublished    bool       `json:"post_mortem_published"`
	SecurityAuditDeadline  *time.Time `json:"security_audit_deadline,omitempty"`
	SecurityAuditCompleted bool       `json:"security_audit_completed"`
	StatusText             string     `json:"status_text"`
}

type AuditVerifyResponse struct {
	Status     string `json:"status"`
	Entries    int    `json:"entries"`
	MerkleRoot string `json:"merkle_root"`
	TipHash    string `json:"tip_hash,omitempty"`
	Failure    string `json:"failure,omitempty"`
	Index      *int64 `json:"index,omitempty"`
}

type AuditAnchorResponse struct {
	Created    bool     `json:"created"`
	UptoSeq    int64    `json:"upto_seq"`
	MerkleRoot string   `json:"merkle_root"`
	Calendars  []string `json:"calendars"`
	Failed     []string `json:"failed,omitempty"`
}

type AuditRootResponse struct {
	Entries    int    `json:"entries"`
	MerkleRoot string `json:"merkle_root"`
}

type SignatureView struct {
	Signer    string    `json:"signer"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type VetoSignalView struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	NodeKind  string    `json:"node_kind"`
	Kind      string    `json:"kind"`
	Weight    float64   `json:"weight"`
	Strength  int       `json:"strength"`
	Rationale string    `json:"rationale,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type PullRequestView struct {
	Repo           string           `json:"repo"`
	Number         int              `json:"number"`
	Title          string           `json:"title"`
	Author         string           `json:"author"`
	HeadSHA        string           `json:"head_sha"`
	Tier           int              `json:"tier"`
	TierName       string           `json:"tier_name"`
	TierOverridden bool             `json:"tier_overridden"`
	State          string           `json:"state"`
	OpenedAt       time.Time        `json:"opened_at"`
	Verdict        string           `json:"verdict,omitempty"`
	Signatures     []SignatureView  `json:"signatures"`
	VetoSignals    []VetoSignalView `json:"veto_signals"`
}

type VetoResponse struct {
	Status   string           `json:"status"`
	SignalID string           `json:"signal_id,omitempty"`
	Repo     string           `json:"repo"`
	Number   int              `json:"number"`
	Decision *DecisionSummary `json:"decision,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	AuditSeq *int64 `json:"audit_seq,omitempty"`
	AuditTip string `json:"audit_tip,omitempty"`
	ReadOnly bool   `json:"read_only"`
	Failure  string `json:"failure,omitempty"`
}
