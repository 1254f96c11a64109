package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
)

// signCommand signs a canonical message with a local private key. The
// service itself never holds private keys.
func signCommand() *cobra.Command {
	var (
		algorithm string
		keyPath   string
		message   string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a canonical governance message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keyPath == "" {
				return errors.New("--key is required")
			}
			msg := message
			if msg == "" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read message: %w", err)
				}
				msg = strings.TrimRight(string(raw), "\r\n")
			}
			if msg == "" {
				return errors.New("message is empty")
			}
			alg, err := crypto.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			signer, err := crypto.LoadSigner(alg, keyPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key_id:%s\n", crypto.KeyID(alg, signer.PublicKeyHex))
			fmt.Fprintf(out, "public_key:%s\n", signer.PublicKeyHex)
			fmt.Fprintf(out, "signature:%s\n", signer.Sign([]byte(msg)))
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "alg", "ed25519", "signature algorithm (ed25519|secp256k1)")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key file (hex, or PKCS#8 PEM for ed25519)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to sign (default stdin)")
	return cmd
}

// messageCommand prints the exact bytes a maintainer or node must sign.
func messageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Print canonical messages for signing",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "approval <owner/name> <number>",
		Short: "Maintainer approval of a pull request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, number, err := prArgs(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.ApprovalMessage(repo, number))
			return nil
		},
	})

	var reason string
	signal := &cobra.Command{
		Use:   "signal <veto|support|abstain> <node-id> <owner/name> <number>",
		Short: "Economic node signal on a pull request",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := governance.SignalKind(strings.ToLower(args[0]))
			if !kind.Valid() {
				return fmt.Errorf("unknown signal kind %q", args[0])
			}
			repo, number, err := prArgs(args[2], args[3])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.SignalMessage(string(kind), args[1], repo, number, reason))
			return nil
		},
	}
	signal.Flags().StringVar(&reason, "reason", "", "signal reason, signed verbatim")
	cmd.AddCommand(signal)

	cmd.AddCommand(&cobra.Command{
		Use:   "withdraw <node-id> <owner/name> <number>",
		Short: "Withdrawal of an active veto",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, number, err := prArgs(args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.WithdrawVetoMessage(args[0], repo, number))
			return nil
		},
	})

	var evidence string
	activate := &cobra.Command{
		Use:   "emergency <critical|urgent|elevated>",
		Short: "Emergency activation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := governance.ParseEmergencyTier(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.EmergencyActivationMessage(tier.Slug(), evidence))
			return nil
		},
	}
	activate.Flags().StringVar(&evidence, "reason", "", "emergency reason, exactly as submitted")
	cmd.AddCommand(activate)

	cmd.AddCommand(&cobra.Command{
		Use:   "extend <critical|urgent|elevated> <emergency-id> <extension>",
		Short: "Emergency extension",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := governance.ParseEmergencyTier(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 1 {
				return fmt.Errorf("extension must be a positive integer, got %q", args[2])
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.EmergencyExtensionMessage(tier.Slug(), args[1], n))
			return nil
		},
	})
	return cmd
}

func prArgs(repo, rawNumber string) (string, int, error) {
	if err := protocol.ValidateRepo(repo); err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(rawNumber)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("pull request number must be a positive integer, got %q", rawNumber)
	}
	return repo, n, nil
}
