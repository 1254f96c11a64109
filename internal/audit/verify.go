package audit

import (
	"fmt"

	"github.com/BTCDecoded/governance-app/internal/protocol"
)

type BrokenChainError struct {
	Index int64
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d", e.Index)
}

type BadTimestampError struct {
	Index int64
}

func (e *BadTimestampError) Error() string {
	return fmt.Sprintf("audit timestamp regresses at entry %d", e.Index)
}

type DuplicateJobIDError struct {
	JobID string
}

func (e *DuplicateJobIDError) Error() string {
	return fmt.Sprintf("audit job id %s appears more than once", e.JobID)
}

type MerkleMismatchError struct {
	Expected string
	Actual   string
}

func (e *MerkleMismatchError) Error() string {
	return fmt.Sprintf("merkle root mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Verify walks the log from the first entry and returns the first violation
// found. Checks per entry run in order: link to predecessor, recomputed
// hash, timestamp order, job id uniqueness.
func Verify(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		e := entries[i]
		idx := int64(i)
		expectedPrev := protocol.ZeroHash
		if i > 0 {
			expectedPrev = entries[i-1].ThisLogHash
		}
		if e.PrevLogHash != expectedPrev || e.Seq != idx {
			return &BrokenChainError{Index: idx}
		}
		hash, err := ComputeHash(e)
		if err != nil || hash != e.ThisLogHash {
			return &BrokenChainError{Index: idx}
		}
		if i > 0 && e.Timestamp.Before(entries[i-1].Timestamp) {
			return &BadTimestampError{Index: idx}
		}
		if _, dup := seen[e.JobID]; dup {
			return &DuplicateJobIDError{JobID: e.JobID}
		}
		seen[e.JobID] = struct{}{}
	}
	return nil
}

// VerifyRoot runs Verify and then compares the Merkle root over all
// this_log_hash values with expected.
func VerifyRoot(entries []Entry, expected string) error {
	if err := Verify(entries); err != nil {
		return err
	}
	actual, err := Root(entries)
	if err != nil {
		return err
	}
	if actual != expected {
		return &MerkleMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// Root is the Merkle root of the entries' this_log_hash values.
func Root(entries []Entry) (string, error) {
	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.ThisLogHash
	}
	return MerkleRoot(leaves)
}
