package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Canonical signed messages. The byte layout of each message is part of the
// wire contract with maintainers and economic nodes and must not change.

func ApprovalMessage(repo string, number int) string {
	return fmt.Sprintf("PR #%d in %s", number, repo)
}

func EmergencyActivationMessage(tierName, reason string) string {
	return fmt.Sprintf("emergency:%s:%s", tierName, ReasonDigest(reason))
}

func EmergencyExtensionMessage(tierName, emergencyID string, extension int) string {
	return fmt.Sprintf("emergency-extend:%s:%s:%d", tierName, emergencyID, extension)
}

func VetoMessage(nodeID, repo string, number int, reason string) string {
	return SignalMessage("veto", nodeID, repo, number, reason)
}

// SignalMessage is the signed form of any economic node signal; kind is
// veto, support or abstain.
func SignalMessage(kind, nodeID, repo string, number int, reason string) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", kind, nodeID, repo, number, reason)
}

func WithdrawVetoMessage(nodeID, repo string, number int) string {
	return fmt.Sprintf("withdraw-veto:%s:%s:%d", nodeID, repo, number)
}

// ReasonDigest is the first 16 hex characters of sha256(reason).
func ReasonDigest(reason string) string {
	return SHA256Hex([]byte(reason))[:16]
}

// PRKey renders the "<owner>/<name>#<number>" form used in commands and logs.
func PRKey(repo string, number int) string {
	return repo + "#" + strconv.Itoa(number)
}

func ParsePRKey(key string) (string, int, error) {
	key = strings.TrimSpace(key)
	idx := strings.LastIndex(key, "#")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, fmt.Errorf("pr key %q must look like owner/name#number", key)
	}
	repo := key[:idx]
	if err := ValidateRepo(repo); err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("pr key %q has invalid number", key)
	}
	return repo, n, nil
}

func ValidateRepo(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repository %q must look like owner/name", repo)
	}
	if strings.ContainsAny(repo, " \t\n#") {
		return fmt.Errorf("repository %q contains invalid characters", repo)
	}
	return nil
}
