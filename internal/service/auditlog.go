package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/protocol"
)

const (
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

// VerifyAudit re-verifies the whole stored chain and, when expectedRoot is
// set, the Merkle root over it. Any failure puts the service in read-only
// mode; the failure is reported in the response, not as an error.
func (g *Gatekeeper) VerifyAudit(ctx context.Context, expectedRoot string) (protocol.AuditVerifyResponse, error) {
	entries, err := g.store.AllAuditEntries(ctx)
	if err != nil {
		return protocol.AuditVerifyResponse{}, classify("load audit log", err)
	}
	resp := protocol.AuditVerifyResponse{Status: "ok", Entries: len(entries)}
	if n := len(entries); n > 0 {
		resp.TipHash = entries[n-1].ThisLogHash
	}
	verr := audit.Verify(entries)
	if verr == nil {
		verr = audit.VerifyAnchors(entries)
	}
	if verr == nil {
		root, err := audit.Root(entries)
		if err != nil {
			verr = err
		} else {
			resp.MerkleRoot = root
			if expectedRoot != "" && root != expectedRoot {
				verr = &audit.MerkleMismatchError{Expected: expectedRoot, Actual: root}
			}
		}
	}
	if verr == nil {
		return resp, nil
	}

	resp.Status = "failed"
	resp.Failure = verr.Error()
	var broken *audit.BrokenChainError
	var badTS *audit.BadTimestampError
	var badAnchor *audit.AnchorMismatchError
	switch {
	case errors.As(verr, &broken):
		resp.Index = &broken.Index
	case errors.As(verr, &badTS):
		resp.Index = &badTS.Index
	case errors.As(verr, &badAnchor):
		resp.Index = &badAnchor.Index
	}
	g.markCorrupted(verr)
	return resp, nil
}

// AuditRoot is the Merkle root over entries 0..upto, or over the whole log
// when upto is nil.
func (g *Gatekeeper) AuditRoot(ctx context.Context, upto *int64) (protocol.AuditRootResponse, error) {
	entries, err := g.store.AllAuditEntries(ctx)
	if err != nil {
		return protocol.AuditRootResponse{}, classify("load audit log", err)
	}
	if upto != nil {
		if *upto < 0 || *upto >= int64(len(entries)) {
			return protocol.AuditRootResponse{}, InputError("BAD_REQUEST", fmt.Sprintf("seq %d outside log of %d entries", *upto, len(entries)), nil)
		}
		entries = entries[:*upto+1]
	}
	root, err := audit.Root(entries)
	if err != nil {
		return protocol.AuditRootResponse{}, Internal("compute merkle root", err)
	}
	return protocol.AuditRootResponse{Entries: len(entries), MerkleRoot: root}, nil
}

func (g *Gatekeeper) AuditEntries(ctx context.Context, from int64, limit int) ([]audit.Entry, error) {
	if from < 0 {
		return nil, InputError("BAD_REQUEST", "from must be >= 0", nil)
	}
	switch {
	case limit <= 0:
		limit = defaultAuditPage
	case limit > maxAuditPage:
		limit = maxAuditPage
	}
	entries, err := g.store.ListAuditEntries(ctx, from, limit)
	if err != nil {
		return nil, classify("list audit entries", err)
	}
	return entries, nil
}

// AuditProof returns the inclusion proof of entry seq against the root of
// the current log.
func (g *Gatekeeper) AuditProof(ctx context.Context, seq int64) (*audit.MerkleProof, error) {
	entries, err := g.store.AllAuditEntries(ctx)
	if err != nil {
		return nil, classify("load audit log", err)
	}
	if seq < 0 || seq >= int64(len(entries)) {
		return nil, NotFound(fmt.Sprintf("audit entry %d does not exist", seq))
	}
	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.ThisLogHash
	}
	proof, err := audit.ComputeInclusionProof(leaves, int(seq))
	if err != nil {
		return nil, Internal("compute inclusion proof", err)
	}
	return proof, nil
}

// ExportAudit streams the log as JSON lines.
func (g *Gatekeeper) ExportAudit(ctx context.Context, w io.Writer) (int, error) {
	entries, err := g.store.AllAuditEntries(ctx)
	if err != nil {
		return 0, classify("load audit log", err)
	}
	if err := audit.WriteJSONL(w, entries); err != nil {
		return 0, Internal("write audit export", err)
	}
	return len(entries), nil
}

func (g *Gatekeeper) Health(ctx context.Context) protocol.HealthResponse {
	resp := protocol.HealthResponse{Status: "ok"}
	tip, err := g.store.AuditTip(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Failure = err.Error()
		return resp
	}
	if tip != nil {
		seq := tip.Seq
		resp.AuditSeq = &seq
		resp.AuditTip = tip.ThisLogHash
	}
	if p := g.corrupted.Load(); p != nil {
		resp.Status = "read_only"
		resp.ReadOnly = true
		resp.Failure = *p
	}
	return resp
}
