package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/BTCDecoded/governance-app/internal/protocol"
)

type MerkleStep struct {
	Side string `json:"side"`
	Hash string `json:"hash"`
}

type MerkleProof struct {
	LeafHash  string       `json:"leaf_hash"`
	RootHash  string       `json:"root_hash"`
	TreeSize  int          `json:"tree_size"`
	LeafIndex int          `json:"leaf_index"`
	Path      []MerkleStep `json:"path"`
}

// MerkleRoot hashes hex leaves pairwise with SHA-256, pairing an odd tail
// with itself. A single leaf is its own root; an empty tree has the zero
// hash.
func MerkleRoot(leafHashes []string) (string, error) {
	if len(leafHashes) == 0 {
		return protocol.ZeroHash, nil
	}
	level, err := decodeLeaves(leafHashes)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

func ComputeInclusionProof(leafHashes []string, leafIndex int) (*MerkleProof, error) {
	if leafIndex < 0 || leafIndex >= len(leafHashes) {
		return nil, errors.New("leaf index out of range")
	}
	level, err := decodeLeaves(leafHashes)
	if err != nil {
		return nil, err
	}
	path := make([]MerkleStep, 0)
	idx := leafIndex
	for len(level) > 1 {
		siblingIdx, side := idx+1, "right"
		if idx%2 == 1 {
			siblingIdx, side = idx-1, "left"
		}
		sibling := level[idx]
		if siblingIdx < len(level) {
			sibling = level[siblingIdx]
		}
		path = append(path, MerkleStep{Side: side, Hash: hex.EncodeToString(sibling)})
		level = nextLevel(level)
		idx /= 2
	}
	return &MerkleProof{
		LeafHash:  leafHashes[leafIndex],
		RootHash:  hex.EncodeToString(level[0]),
		TreeSize:  len(leafHashes),
		LeafIndex: leafIndex,
		Path:      path,
	}, nil
}

func VerifyInclusionProof(proof *MerkleProof) (bool, error) {
	acc, err := hex.DecodeString(proof.LeafHash)
	if err != nil {
		return false, err
	}
	for _, step := range proof.Path {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false, err
		}
		switch step.Side {
		case "left":
			acc = nodeHash(sibling, acc)
		case "right":
			acc = nodeHash(acc, sibling)
		default:
			return false, errors.New("invalid proof side")
		}
	}
	return hex.EncodeToString(acc) == proof.RootHash, nil
}

func decodeLeaves(leafHashes []string) ([][]byte, error) {
	level := make([][]byte, 0, len(leafHashes))
	for i, leaf := range leafHashes {
		b, err := hex.DecodeString(leaf)
		if err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("leaf %d is not a hex sha256 digest", i)
		}
		level = append(level, b)
	}
	return level, nil
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, nodeHash(left, right))
	}
	return next
}

func nodeHash(left, right []byte) []byte {
	msg := make([]byte, 0, len(left)+len(right))
	msg = append(msg, left...)
	msg = append(msg, right...)
	h := sha256.Sum256(msg)
	return h[:]
}
