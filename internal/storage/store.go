package storage

import (
	"context"
	"errors"
	"time"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/registry"
)

var (
	// ErrConflict reports a serialization failure or a lost race on a unique
	// key. The whole transaction may be retried.
	ErrConflict = errors.New("storage write conflict")
	ErrNotFound = errors.New("not found")
)

// Status outbox item states.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// StatusUpdate is a rendered status check waiting to be published.
type StatusUpdate struct {
	ID            int64
	Repo          string
	Number        int
	HeadSHA       string
	State         string
	Context       string
	Description   string
	Body          string
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
}

type RulesetRecord struct {
	Hash     string
	JSON     string
	LoadedAt time.Time
}

// Tx is the unit of work one governance operation runs in. Reads made
// through a Tx see the same snapshot the subsequent writes commit against.
type Tx interface {
	GetPullRequest(ctx context.Context, repo string, number int) (governance.PullRequest, bool, error)
	UpsertPullRequest(ctx context.Context, pr governance.PullRequest) error

	ListSignatures(ctx context.Context, repo string, number int) ([]governance.Signature, error)
	SignatureBySource(ctx context.Context, sourceID string) (governance.Signature, bool, error)
	InsertSignature(ctx context.Context, sig governance.Signature) error

	// ListVetoSignals returns active and withdrawn signals for a PR.
	ListVetoSignals(ctx context.Context, repo string, number int) ([]governance.VetoSignal, error)
	InsertVetoSignal(ctx context.Context, sig governance.VetoSignal) error
	// WithdrawVetoSignal deactivates the active signal, reporting whether
	// one existed.
	WithdrawVetoSignal(ctx context.Context, repo string, number int, nodeID string, at time.Time) (bool, error)

	ActiveEmergency(ctx context.Context, scope string) (governance.Emergency, bool, error)
	// OpenEmergencies lists active and expired records, newest first. An
	// empty scope matches every scope.
	OpenEmergencies(ctx context.Context, scope string) ([]governance.Emergency, error)
	InsertEmergency(ctx context.Context, e governance.Emergency) error
	UpdateEmergency(ctx context.Context, e governance.Emergency) error

	AuditTip(ctx context.Context) (*audit.Entry, error)
	HasAuditJob(ctx context.Context, jobID string) (bool, error)
	InsertAuditEntry(ctx context.Context, e audit.Entry) error

	// RecordDelivery stores a webhook delivery id, reporting false when it
	// was already present.
	RecordDelivery(ctx context.Context, deliveryID, event string, at time.Time) (bool, error)
	EnqueueStatus(ctx context.Context, u StatusUpdate) error

	LatestRuleset(ctx context.Context) (RulesetRecord, bool, error)
	InsertRuleset(ctx context.Context, r RulesetRecord) error
}

type Store interface {
	Close()

	// WithTx runs fn in a serializable transaction and commits when fn
	// returns nil. Conflicts surface as ErrConflict.
	WithTx(ctx context.Context, fn func(Tx) error) error

	ListAuditEntries(ctx context.Context, fromSeq int64, limit int) ([]audit.Entry, error)
	AllAuditEntries(ctx context.Context) ([]audit.Entry, error)
	AuditTip(ctx context.Context) (*audit.Entry, error)

	LoadRegistry(ctx context.Context) ([]registry.Maintainer, []registry.EconomicNode, error)
	ReplaceRegistry(ctx context.Context, maintainers []registry.Maintainer, nodes []registry.EconomicNode) error

	FetchPendingStatus(ctx context.Context, limit int, now time.Time) ([]StatusUpdate, error)
	MarkStatusSent(ctx context.Context, id int64, at time.Time) error
	MarkStatusRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error
	// MarkStatusFailed parks an item that will never be published.
	MarkStatusFailed(ctx context.Context, id int64, attempts int, lastError string) error
}
