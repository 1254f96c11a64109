package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/registry"
)

type fixture struct {
	verifier *crypto.Verifier
	signers  map[string]*crypto.Signer
	snap     *registry.Snapshot
}

func deterministicSigner(t *testing.T, name string) *crypto.Signer {
	t.Helper()
	seed := sha256.Sum256([]byte("governance-test:" + name))
	s, err := crypto.NewSigner(crypto.Ed25519, hex.EncodeToString(seed[:]))
	if err != nil {
		t.Fatalf("NewSigner(%s): %v", name, err)
	}
	return s
}

func newFixture(t *testing.T, maintainers []string, nodes []registry.EconomicNode) *fixture {
	t.Helper()
	v, err := crypto.NewVerifier(crypto.Ed25519)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	f := &fixture{verifier: v, signers: make(map[string]*crypto.Signer)}
	records := make([]registry.Maintainer, 0, len(maintainers))
	for _, name := range maintainers {
		s := deterministicSigner(t, name)
		f.signers[name] = s
		records = append(records, registry.Maintainer{Username: name, PublicKey: s.PublicKeyHex, Layer: 1, Active: true})
	}
	for i := range nodes {
		if nodes[i].PublicKey == "" {
			nodes[i].PublicKey = deterministicSigner(t, "node:"+nodes[i].ID).PublicKeyHex
		}
	}
	f.snap, err = registry.New(records, nodes, v)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return f
}

func (f *fixture) approve(repo string, number int, signer string) Signature {
	return Signature{
		Repo:      repo,
		Number:    number,
		Signer:    signer,
		Signature: f.signers[signer].Sign([]byte(protocol.ApprovalMessage(repo, number))),
		Status:    SignatureAccepted,
	}
}

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return ts
}
