package governance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/protocol"
)

type CommandKind string

const (
	CommandNone         CommandKind = ""
	CommandSign         CommandKind = "sign"
	CommandTierOverride CommandKind = "tier_override"
	CommandVeto         CommandKind = "veto"
	CommandWithdrawVeto CommandKind = "withdraw_veto"
)

// Command is a governance instruction found in a PR comment.
type Command struct {
	Kind      CommandKind
	Signature string
	Tier      Tier
	Repo      string
	Number    int
	Strength  int
	Reason    string
}

// ErrUnknownCommand is returned for a /governance- prefixed line that names
// no known command.
var ErrUnknownCommand = errors.New("unknown governance command")

// ParseCommand scans a comment body for the first governance command.
// Bodies without one yield CommandNone and a nil error.
func ParseCommand(body string) (Command, error) {
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch name := strings.ToLower(fields[0]); {
		case name == "/governance-sign":
			return parseSign(fields[1:])
		case name == "/governance-tier":
			return parseTier(fields[1:])
		case name == "/veto":
			return parseVeto(fields[1:])
		case name == "/withdraw-veto":
			return parseWithdraw(fields[1:])
		case strings.HasPrefix(name, "/governance-"):
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
		}
	}
	return Command{}, nil
}

func parseSign(args []string) (Command, error) {
	if len(args) != 1 {
		return Command{}, errors.New("usage: /governance-sign <hex-signature>")
	}
	if _, err := crypto.DecodeHex(args[0]); err != nil {
		return Command{}, fmt.Errorf("signature: %w", err)
	}
	return Command{Kind: CommandSign, Signature: args[0]}, nil
}

func parseTier(args []string) (Command, error) {
	if len(args) < 2 {
		return Command{}, errors.New("usage: /governance-tier <1..5> <reason>")
	}
	t, err := ParseTier(args[0])
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CommandTierOverride, Tier: t, Reason: strings.Join(args[1:], " ")}, nil
}

func parseVeto(args []string) (Command, error) {
	if len(args) < 3 {
		return Command{}, errors.New("usage: /veto <owner/name#number> <strength 1..100> <reason>")
	}
	repo, number, err := protocol.ParsePRKey(args[0])
	if err != nil {
		return Command{}, err
	}
	strength, err := strconv.Atoi(args[1])
	if err != nil || strength < 1 || strength > 100 {
		return Command{}, fmt.Errorf("veto strength must be an integer in 1..100, got %q", args[1])
	}
	return Command{Kind: CommandVeto, Repo: repo, Number: number, Strength: strength, Reason: strings.Join(args[2:], " ")}, nil
}

func parseWithdraw(args []string) (Command, error) {
	if len(args) != 1 {
		return Command{}, errors.New("usage: /withdraw-veto <owner/name#number>")
	}
	repo, number, err := protocol.ParsePRKey(args[0])
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CommandWithdrawVeto, Repo: repo, Number: number}, nil
}
