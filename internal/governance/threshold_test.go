package governance

import (
	"reflect"
	"testing"
)

func TestEvaluateSignaturesCountsDistinctVerifiedSigners(t *testing.T) {
	f := newFixture(t, []string{"alice", "bob", "charlie", "dave", "erin"}, nil)
	rule := DefaultRuleset().Rule(TierRoutine)

	sigs := []Signature{
		f.approve("acme/docs", 1, "alice"),
		f.approve("acme/docs", 1, "alice"),
		f.approve("acme/docs", 1, "bob"),
		f.approve("acme/docs", 2, "charlie"),
	}
	forged := f.approve("acme/docs", 1, "dave")
	forged.Signature = f.signers["erin"].Sign([]byte("PR #1 in acme/docs"))
	sigs = append(sigs, forged)
	dup := f.approve("acme/docs", 1, "erin")
	dup.Status = SignatureDuplicate
	sigs = append(sigs, dup)

	res := EvaluateSignatures("acme/docs", 1, sigs, rule, f.snap, f.verifier)
	if res.Current() != 2 || res.Met() {
		t.Fatalf("current=%d met=%v, want 2 and false", res.Current(), res.Met())
	}
	if !reflect.DeepEqual(res.Signers, []string{"alice", "bob"}) {
		t.Fatalf("signers = %v", res.Signers)
	}
	if !reflect.DeepEqual(res.Pending, []string{"charlie", "dave", "erin"}) {
		t.Fatalf("pending = %v", res.Pending)
	}

	sigs = append(sigs, f.approve("acme/docs", 1, "charlie"))
	res = EvaluateSignatures("acme/docs", 1, sigs, rule, f.snap, f.verifier)
	if !res.Met() {
		t.Fatalf("expected 3-of-5 met, got %d", res.Current())
	}
}

func TestEvaluateSignaturesIgnoresUnknownAndLowLayer(t *testing.T) {
	f := newFixture(t, []string{"alice", "bob"}, nil)
	rule := TierRule{Signatures: Threshold{1, 2}, MinLayer: 2}
	res := EvaluateSignatures("acme/core", 3, []Signature{f.approve("acme/core", 3, "alice")}, rule, f.snap, f.verifier)
	if res.Current() != 0 {
		t.Fatalf("layer-1 signer counted for layer-2 rule")
	}
	ghost := Signature{Repo: "acme/core", Number: 3, Signer: "mallory", Signature: "00", Status: SignatureAccepted}
	rule.MinLayer = 1
	res = EvaluateSignatures("acme/core", 3, []Signature{ghost}, rule, f.snap, f.verifier)
	if res.Current() != 0 {
		t.Fatalf("unknown signer counted")
	}
}

func TestVerifiedSigners(t *testing.T) {
	f := newFixture(t, []string{"alice", "bob", "charlie"}, nil)
	msg := []byte("emergency:critical:abcd")
	sigs := map[string]string{
		"alice":   f.signers["alice"].Sign(msg),
		"bob":     f.signers["bob"].Sign(msg),
		"charlie": f.signers["alice"].Sign(msg),
		"mallory": "deadbeef",
	}
	signers, rejected := VerifiedSigners(msg, sigs, 1, f.snap, f.verifier)
	if !reflect.DeepEqual(signers, []string{"alice", "bob"}) {
		t.Fatalf("signers = %v", signers)
	}
	if len(rejected) != 2 || rejected["mallory"] == "" || rejected["charlie"] == "" {
		t.Fatalf("rejected = %v", rejected)
	}
}
