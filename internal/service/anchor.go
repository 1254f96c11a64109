package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTCDecoded/governance-app/internal/audit"
)

// Calendar submits a 32-byte digest to an OpenTimestamps calendar and
// returns the serialized pending timestamp.
type Calendar interface {
	URL() string
	Stamp(ctx context.Context, digest []byte) ([]byte, error)
}

// maxCalendarResponse bounds a calendar reply; real ones are a few hundred bytes.
const maxCalendarResponse = 10000

type HTTPCalendar struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCalendar(baseURL string, timeout time.Duration) (*HTTPCalendar, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid calendar url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCalendar{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}, nil
}

func (c *HTTPCalendar) URL() string { return c.baseURL }

func (c *HTTPCalendar) Stamp(ctx context.Context, digest []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/digest", bytes.NewReader(digest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.opentimestamps.v1")
	req.Header.Set("User-Agent", "governance-gatekeeper")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCalendarResponse+1))
	if err != nil {
		return nil, fmt.Errorf("read calendar response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar returned %d", resp.StatusCode)
	}
	if len(body) == 0 || len(body) > maxCalendarResponse {
		return nil, fmt.Errorf("calendar response of %d bytes", len(body))
	}
	return body, nil
}

// AnchorResult describes one anchoring run.
type AnchorResult struct {
	audit.Anchor
	// Created is false when the log had not grown since the last anchor.
	Created bool
	Failed  []string
}

// AnchorAudit timestamps the Merkle root of the current log with every
// configured calendar and records the proofs as an audit_anchored entry.
// One accepting calendar is enough.
func (g *Gatekeeper) AnchorAudit(ctx context.Context) (AnchorResult, error) {
	if len(g.calendars) == 0 {
		return AnchorResult{}, NewAppError(http.StatusServiceUnavailable, "ANCHORING_DISABLED", "no timestamp calendars configured", false, nil)
	}
	if err := g.writable(); err != nil {
		return AnchorResult{}, err
	}
	entries, err := g.store.AllAuditEntries(ctx)
	if err != nil {
		return AnchorResult{}, classify("load audit log", err)
	}
	n := len(entries)
	if n == 0 {
		return AnchorResult{}, InputError("BAD_REQUEST", "audit log is empty", nil)
	}
	if last := entries[n-1]; last.JobType == audit.JobAuditAnchored {
		res := AnchorResult{}
		if err := json.Unmarshal(last.Payload, &res.Anchor); err != nil {
			return AnchorResult{}, Internal("decode last anchor", err)
		}
		return res, nil
	}

	root, err := audit.Root(entries)
	if err != nil {
		return AnchorResult{}, Internal("compute merkle root", err)
	}
	digest, err := hex.DecodeString(root)
	if err != nil {
		return AnchorResult{}, Internal("decode merkle root", err)
	}
	res := AnchorResult{Anchor: audit.Anchor{UptoSeq: int64(n - 1), MerkleRoot: root}, Created: true}
	var errs []error
	for _, c := range g.calendars {
		ts, err := c.Stamp(ctx, digest)
		if err == nil {
			var file []byte
			if file, err = audit.EncodeOTS(digest, ts); err == nil {
				res.Proofs = append(res.Proofs, audit.AnchorProof{Calendar: c.URL(), OTS: hex.EncodeToString(file)})
				continue
			}
		}
		res.Failed = append(res.Failed, c.URL())
		errs = append(errs, fmt.Errorf("%s: %w", c.URL(), err))
		g.logger.Warn("timestamp calendar failed", slog.String("calendar", c.URL()), slog.String("error", err.Error()))
	}
	if len(res.Proofs) == 0 {
		return AnchorResult{}, TransientError("no timestamp calendar accepted the audit root", errors.Join(errs...))
	}

	err = g.write(ctx, "anchor_audit", "anchor:"+root, func(u *unit) error {
		return g.appendAudit(ctx, u, audit.JobAuditAnchored, "", res.Anchor)
	})
	if err != nil {
		return AnchorResult{}, err
	}
	g.logger.Info("audit log anchored",
		slog.Int64("upto_seq", res.UptoSeq),
		slog.String("merkle_root", root),
		slog.Int("proofs", len(res.Proofs)),
	)
	return res, nil
}
