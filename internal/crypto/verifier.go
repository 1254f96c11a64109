package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

type Algorithm string

const (
	Ed25519   Algorithm = "ed25519"
	Secp256k1 Algorithm = "secp256k1"
)

var (
	ErrMalformedKey       = errors.New("malformed public key")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMismatch           = errors.New("signature does not match message")
)

func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case Ed25519, "":
		return Ed25519, nil
	case Secp256k1:
		return Secp256k1, nil
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", raw)
	}
}

// Verifier checks detached signatures over canonical messages. It holds no
// state beyond the deployment-wide algorithm and is safe for concurrent use.
type Verifier struct {
	alg Algorithm
}

func NewVerifier(alg Algorithm) (*Verifier, error) {
	switch alg {
	case Ed25519, Secp256k1:
		return &Verifier{alg: alg}, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

func (v *Verifier) Algorithm() Algorithm {
	return v.alg
}

// ValidatePublicKey reports ErrMalformedKey when publicKeyHex cannot be used
// with the configured algorithm.
func (v *Verifier) ValidatePublicKey(publicKeyHex string) error {
	raw, err := DecodeHex(publicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	switch v.alg {
	case Ed25519:
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 key length %d", ErrMalformedKey, len(raw))
		}
	case Secp256k1:
		if _, err := btcec.ParsePubKey(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
	}
	return nil
}

func (v *Verifier) Verify(publicKeyHex string, message []byte, signatureHex string) error {
	pubRaw, err := DecodeHex(publicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	sigRaw, err := DecodeHex(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	switch v.alg {
	case Ed25519:
		return verifyEd25519(pubRaw, message, sigRaw)
	case Secp256k1:
		return verifySecp256k1(pubRaw, message, sigRaw)
	default:
		return fmt.Errorf("unsupported signature algorithm %q", v.alg)
	}
}

func verifyEd25519(pub, message, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: ed25519 key length %d", ErrMalformedKey, len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: ed25519 signature length %d", ErrMalformedSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrMismatch
	}
	return nil
}

// secp256k1 signatures are ECDSA over sha256(message), either DER encoded or
// the 64 byte compact r||s form.
func verifySecp256k1(pubRaw, message, sigRaw []byte) error {
	pub, err := btcec.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	sig, err := parseECDSASignature(sigRaw)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(message)
	if !sig.Verify(digest[:], pub) {
		return ErrMismatch
	}
	return nil
}

func parseECDSASignature(raw []byte) (*ecdsa.Signature, error) {
	if len(raw) == 64 {
		var r, s btcec.ModNScalar
		if overflow := r.SetByteSlice(raw[:32]); overflow {
			return nil, fmt.Errorf("%w: r overflows curve order", ErrMalformedSignature)
		}
		if overflow := s.SetByteSlice(raw[32:]); overflow {
			return nil, fmt.Errorf("%w: s overflows curve order", ErrMalformedSignature)
		}
		if r.IsZero() || s.IsZero() {
			return nil, fmt.Errorf("%w: zero scalar", ErrMalformedSignature)
		}
		return ecdsa.NewSignature(&r, &s), nil
	}
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return sig, nil
}

// DecodeHex accepts an optional 0x prefix and surrounding whitespace.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// KeyID is a short stable identifier for a public key, used in logs.
func KeyID(alg Algorithm, publicKeyHex string) string {
	raw, err := DecodeHex(publicKeyHex)
	if err != nil {
		return string(alg) + ":invalid"
	}
	h := sha256.Sum256(raw)
	return string(alg) + ":" + hex.EncodeToString(h[:8])
}
