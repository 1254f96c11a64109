package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Signer produces signatures in the format Verifier accepts. The gatekeeper
// never stores private keys; this exists for the operator `sign` command.
type Signer struct {
	alg          Algorithm
	edKey        ed25519.PrivateKey
	secpKey      *btcec.PrivateKey
	PublicKeyHex string
}

func NewSigner(alg Algorithm, privateKeyHex string) (*Signer, error) {
	raw, err := DecodeHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return newSignerFromBytes(alg, raw)
}

func newSignerFromBytes(alg Algorithm, raw []byte) (*Signer, error) {
	switch alg {
	case Ed25519:
		var priv ed25519.PrivateKey
		switch len(raw) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("ed25519 private key length %d invalid", len(raw))
		}
		pub := priv.Public().(ed25519.PublicKey)
		return &Signer{alg: alg, edKey: priv, PublicKeyHex: hex.EncodeToString(pub)}, nil
	case Secp256k1:
		if len(raw) != 32 {
			return nil, fmt.Errorf("secp256k1 private key length %d invalid", len(raw))
		}
		priv, pub := btcec.PrivKeyFromBytes(raw)
		return &Signer{alg: alg, secpKey: priv, PublicKeyHex: hex.EncodeToString(pub.SerializeCompressed())}, nil
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}

// LoadSigner reads a private key file holding hex, or a PKCS#8 PEM block for
// ed25519.
func LoadSigner(alg Algorithm, path string) (*Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	data := strings.TrimSpace(string(buf))
	if strings.HasPrefix(data, "-----BEGIN") {
		if alg != Ed25519 {
			return nil, errors.New("pem private keys are only supported for ed25519")
		}
		block, _ := pem.Decode([]byte(data))
		if block == nil {
			return nil, errors.New("invalid private key pem")
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		pk, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not ed25519")
		}
		return newSignerFromBytes(alg, pk)
	}
	return NewSigner(alg, data)
}

func (s *Signer) Algorithm() Algorithm {
	return s.alg
}

// Sign returns the hex-encoded signature of message.
func (s *Signer) Sign(message []byte) string {
	switch s.alg {
	case Secp256k1:
		digest := sha256.Sum256(message)
		return hex.EncodeToString(ecdsa.Sign(s.secpKey, digest[:]).Serialize())
	default:
		return hex.EncodeToString(ed25519.Sign(s.edKey, message))
	}
}
