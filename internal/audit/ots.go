package audit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// otsMagic opens every detached OpenTimestamps proof file.
var otsMagic = []byte("\x00OpenTimestamps\x00\x00Proof\x00\xbf\x89\xe2\xe8\x84\xe8\x92\x94")

const (
	otsVersion  = 0x01
	otsOpSHA256 = 0x08
)

// AnchorProof is one calendar's pending timestamp for a root.
type AnchorProof struct {
	Calendar string `json:"calendar"`
	OTS      string `json:"ots"`
}

// Anchor is the payload of an audit_anchored entry.
type Anchor struct {
	UptoSeq    int64         `json:"upto_seq"`
	MerkleRoot string        `json:"merkle_root"`
	Proofs     []AnchorProof `json:"proofs"`
}

// EncodeOTS wraps a calendar's timestamp for digest into a detached .ots
// file. The digest is recorded as a SHA-256 file hash, so `ots verify -d`
// accepts the Merkle root directly.
func EncodeOTS(digest, timestamp []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("ots digest must be 32 bytes, got %d", len(digest))
	}
	if len(timestamp) == 0 {
		return nil, errors.New("empty calendar timestamp")
	}
	var buf bytes.Buffer
	buf.Grow(len(otsMagic) + 2 + len(digest) + len(timestamp))
	buf.Write(otsMagic)
	buf.WriteByte(otsVersion)
	buf.WriteByte(otsOpSHA256)
	buf.Write(digest)
	buf.Write(timestamp)
	return buf.Bytes(), nil
}

// OTSDigest returns the file digest committed to by a detached proof.
func OTSDigest(file []byte) ([]byte, error) {
	if !bytes.HasPrefix(file, otsMagic) {
		return nil, errors.New("not an opentimestamps proof")
	}
	rest := file[len(otsMagic):]
	if len(rest) < 2+32+1 {
		return nil, errors.New("truncated opentimestamps proof")
	}
	if rest[0] != otsVersion {
		return nil, fmt.Errorf("unsupported opentimestamps version %d", rest[0])
	}
	if rest[1] != otsOpSHA256 {
		return nil, fmt.Errorf("unsupported opentimestamps file hash op 0x%02x", rest[1])
	}
	return rest[2:34], nil
}

type AnchorMismatchError struct {
	Index  int64
	Reason string
}

func (e *AnchorMismatchError) Error() string {
	return fmt.Sprintf("audit anchor at entry %d invalid: %s", e.Index, e.Reason)
}

// VerifyAnchors checks every audit_anchored entry: its root must equal the
// root of the prefix it names, and every proof must commit to that root.
// The chain itself is checked by Verify.
func VerifyAnchors(entries []Entry) error {
	for i, e := range entries {
		if e.JobType != JobAuditAnchored {
			continue
		}
		idx := int64(i)
		var a Anchor
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return &AnchorMismatchError{Index: idx, Reason: "payload: " + err.Error()}
		}
		if a.UptoSeq < 0 || a.UptoSeq >= idx {
			return &AnchorMismatchError{Index: idx, Reason: fmt.Sprintf("upto_seq %d does not precede the anchor", a.UptoSeq)}
		}
		root, err := Root(entries[:a.UptoSeq+1])
		if err != nil {
			return err
		}
		if root != a.MerkleRoot {
			return &AnchorMismatchError{Index: idx, Reason: "merkle root does not match log prefix"}
		}
		want, err := hex.DecodeString(root)
		if err != nil {
			return err
		}
		if len(a.Proofs) == 0 {
			return &AnchorMismatchError{Index: idx, Reason: "no proofs"}
		}
		for _, p := range a.Proofs {
			file, err := hex.DecodeString(p.OTS)
			if err != nil {
				return &AnchorMismatchError{Index: idx, Reason: p.Calendar + ": proof is not hex"}
			}
			got, err := OTSDigest(file)
			if err != nil {
				return &AnchorMismatchError{Index: idx, Reason: p.Calendar + ": " + err.Error()}
			}
			if !bytes.Equal(got, want) {
				return &AnchorMismatchError{Index: idx, Reason: p.Calendar + ": proof commits to a different digest"}
			}
		}
	}
	return nil
}
