package audit

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BTCDecoded/governance-app/internal/protocol"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func buildLog(t *testing.T, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	var tip *Entry
	for i := 0; i < n; i++ {
		e, err := Next(tip, Record{
			JobType: JobSignatureAdded,
			Actor:   fmt.Sprintf("user-%d", i),
			Payload: map[string]any{"pr": "acme/core#42", "i": i},
		}, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		out = append(out, e)
		tip = &out[len(out)-1]
	}
	return out
}

func rehashFrom(t *testing.T, entries []Entry, from int) {
	t.Helper()
	for i := from; i < len(entries); i++ {
		if i > 0 {
			entries[i].PrevLogHash = entries[i-1].ThisLogHash
		}
		h, err := ComputeHash(entries[i])
		if err != nil {
			t.Fatalf("ComputeHash: %v", err)
		}
		entries[i].ThisLogHash = h
	}
}

func TestChainLinksAndVerifies(t *testing.T) {
	entries := buildLog(t, 8)
	if entries[0].PrevLogHash != protocol.ZeroHash {
		t.Fatalf("first entry must link to zero hash")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevLogHash != entries[i-1].ThisLogHash {
			t.Fatalf("entry %d not linked", i)
		}
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestFlippedPrevHashReportsBrokenChain(t *testing.T) {
	entries := buildLog(t, 8)
	b := []byte(entries[5].PrevLogHash)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	entries[5].PrevLogHash = string(b)
	var broken *BrokenChainError
	err := Verify(entries)
	if !errors.As(err, &broken) || broken.Index != 5 {
		t.Fatalf("expected BrokenChain(5), got %v", err)
	}
}

func TestMutatedPayloadReportsBrokenChain(t *testing.T) {
	entries := buildLog(t, 6)
	entries[3].Payload = []byte(`{"i":99,"pr":"acme/core#42"}`)
	var broken *BrokenChainError
	if err := Verify(entries); !errors.As(err, &broken) || broken.Index != 3 {
		t.Fatalf("expected BrokenChain(3), got %v", err)
	}
}

func TestRemovedAndReorderedEntriesFail(t *testing.T) {
	entries := buildLog(t, 6)
	removed := append(append([]Entry{}, entries[:2]...), entries[3:]...)
	if err := Verify(removed); err == nil {
		t.Fatalf("expected removal to be detected")
	}
	reordered := append([]Entry{}, entries...)
	reordered[2], reordered[3] = reordered[3], reordered[2]
	if err := Verify(reordered); err == nil {
		t.Fatalf("expected reorder to be detected")
	}
}

func TestTimestampRegressionDetected(t *testing.T) {
	entries := buildLog(t, 4)
	entries[2].Timestamp = entries[1].Timestamp.Add(-time.Second)
	rehashFrom(t, entries, 2)
	var bad *BadTimestampError
	if err := Verify(entries); !errors.As(err, &bad) || bad.Index != 2 {
		t.Fatalf("expected BadTimestamp(2), got %v", err)
	}
}

func TestDuplicateJobIDDetected(t *testing.T) {
	entries := buildLog(t, 4)
	entries[3].JobID = entries[1].JobID
	rehashFrom(t, entries, 3)
	var dup *DuplicateJobIDError
	if err := Verify(entries); !errors.As(err, &dup) || dup.JobID != entries[1].JobID {
		t.Fatalf("expected DuplicateJobId, got %v", err)
	}
}

func TestNextClampsRegressedClock(t *testing.T) {
	first, err := Next(nil, Record{JobType: JobPROpened}, base)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := Next(&first, Record{JobType: JobPRSynchronized}, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !second.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("expected clamped timestamp %v, got %v", first.Timestamp, second.Timestamp)
	}
	if err := Verify([]Entry{first, second}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDerivedJobIDStable(t *testing.T) {
	a := DerivedJobID("comment:77", JobSignatureAdded)
	b := DerivedJobID("comment:77", JobSignatureAdded)
	c := DerivedJobID("comment:77", JobDecisionRendered)
	if a != b || a == c {
		t.Fatalf("derived ids not stable/distinct: %s %s %s", a, b, c)
	}
}

func TestMerkleRootSingleEntryIsItsHash(t *testing.T) {
	entries := buildLog(t, 1)
	root, err := Root(entries)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root != entries[0].ThisLogHash {
		t.Fatalf("single entry root %s != %s", root, entries[0].ThisLogHash)
	}
}

func TestVerifyRootMismatch(t *testing.T) {
	entries := buildLog(t, 5)
	root, err := Root(entries)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if err := VerifyRoot(entries, root); err != nil {
		t.Fatalf("VerifyRoot: %v", err)
	}
	prefixRoot, err := Root(entries[:3])
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	var mm *MerkleMismatchError
	if err := VerifyRoot(entries, prefixRoot); !errors.As(err, &mm) || mm.Actual != root {
		t.Fatalf("expected merkle mismatch, got %v", err)
	}
}

func TestMerkleOddTailDuplicates(t *testing.T) {
	leaves := []string{
		protocol.SHA256Hex([]byte("a")),
		protocol.SHA256Hex([]byte("b")),
		protocol.SHA256Hex([]byte("c")),
	}
	got, err := MerkleRoot(leaves)
	if err != nil {
		t.Fatalf("MerkleRoot: %v", err)
	}
	four, err := MerkleRoot(append(leaves, leaves[2]))
	if err != nil {
		t.Fatalf("MerkleRoot: %v", err)
	}
	if got != four {
		t.Fatalf("odd tail should pair with itself")
	}
	for i := range leaves {
		proof, err := ComputeInclusionProof(leaves, i)
		if err != nil {
			t.Fatalf("ComputeInclusionProof: %v", err)
		}
		ok, err := VerifyInclusionProof(proof)
		if err != nil || !ok || proof.RootHash != got {
			t.Fatalf("proof %d failed: ok=%v err=%v", i, ok, err)
		}
	}
	if _, err := MerkleRoot([]string{"zz"}); err == nil {
		t.Fatalf("expected invalid leaf error")
	}
}

func TestJSONLRoundTripStillVerifies(t *testing.T) {
	entries := buildLog(t, 5)
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, entries); err != nil {
		t.Fatalf("WriteJSONL: %v", err)
	}
	if n := bytes.Count(buf.Bytes(), []byte("\n")); n != 5 {
		t.Fatalf("expected 5 lines, got %d", n)
	}
	back, err := ReadJSONL(&buf)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if err := Verify(back); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
}
