package governance

import (
	"sort"
	"time"

	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/registry"
)

type SignatureStatus string

const (
	SignatureAccepted  SignatureStatus = "accepted"
	SignatureDuplicate SignatureStatus = "duplicate"
	SignatureRejected  SignatureStatus = "rejected"
)

// Signature is one maintainer approval recorded against a PR.
type Signature struct {
	Repo      string
	Number    int
	Signer    string
	Signature string
	SourceID  string
	Status    SignatureStatus
	Reason    string
	CreatedAt time.Time
}

// MessageVerifier checks a hex signature over message with a hex public key.
type MessageVerifier interface {
	Verify(publicKeyHex string, message []byte, signatureHex string) error
}

type ThresholdResult struct {
	Threshold Threshold
	Signers   []string
	Pending   []string
}

func (r ThresholdResult) Current() int {
	return len(r.Signers)
}

func (r ThresholdResult) Met() bool {
	return len(r.Signers) >= r.Threshold.Required
}

// EvaluateSignatures counts distinct maintainers that are active in snap at
// or above the tier's layer and whose stored signature still verifies
// against their current key.
func EvaluateSignatures(repo string, number int, sigs []Signature, rule TierRule, snap *registry.Snapshot, v MessageVerifier) ThresholdResult {
	message := []byte(protocol.ApprovalMessage(repo, number))
	counted := make(map[string]bool)
	for _, s := range sigs {
		if s.Status != SignatureAccepted || s.Repo != repo || s.Number != number || counted[s.Signer] {
			continue
		}
		m, ok := snap.Maintainer(s.Signer)
		if !ok || m.Layer < rule.MinLayer {
			continue
		}
		if err := v.Verify(m.PublicKey, message, s.Signature); err != nil {
			continue
		}
		counted[s.Signer] = true
	}

	res := ThresholdResult{Threshold: rule.Signatures, Signers: make([]string, 0, len(counted))}
	for signer := range counted {
		res.Signers = append(res.Signers, signer)
	}
	sort.Strings(res.Signers)
	for _, m := range snap.ActiveMaintainers(rule.MinLayer) {
		if !counted[m.Username] {
			res.Pending = append(res.Pending, m.Username)
		}
	}
	return res
}

// VerifiedSigners returns the distinct eligible maintainers among sigs whose
// signature over message verifies. Unknown or failing entries are reported
// in rejected, keyed by signer.
func VerifiedSigners(message []byte, sigs map[string]string, minLayer int, snap *registry.Snapshot, v MessageVerifier) (signers []string, rejected map[string]string) {
	rejected = make(map[string]string)
	for signer, sig := range sigs {
		m, ok := snap.Maintainer(signer)
		switch {
		case !ok:
			rejected[signer] = "signer not in registry"
		case m.Layer < minLayer:
			rejected[signer] = "signer layer below requirement"
		default:
			if err := v.Verify(m.PublicKey, message, sig); err != nil {
				rejected[signer] = err.Error()
				continue
			}
			signers = append(signers, signer)
		}
	}
	sort.Strings(signers)
	return signers, rejected
}
