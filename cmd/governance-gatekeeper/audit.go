package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BTCDecoded/governance-app/internal/app"
	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/protocol"
)

func auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the governance audit log",
	}
	cmd.AddCommand(auditVerifyCommand())
	cmd.AddCommand(auditExportCommand())
	cmd.AddCommand(auditRootCommand())
	cmd.AddCommand(auditAnchorCommand())
	return cmd
}

// auditVerifyCommand checks an exported JSONL log offline, without a
// config or a database.
func auditVerifyCommand() *cobra.Command {
	var expectedRoot string
	cmd := &cobra.Command{
		Use:   "verify <log.jsonl>",
		Short: "Verify hash chain and Merkle root of an exported log",
		Args:  cobra.ExactArgs(1),
		// The JSON report is the only output, also on failure.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer f.Close()
			entries, err := audit.ReadJSONL(f)
			if err != nil {
				return fmt.Errorf("read log: %w", err)
			}

			report := protocol.AuditVerifyResponse{Status: "ok", Entries: len(entries)}
			if n := len(entries); n > 0 {
				report.TipHash = entries[n-1].ThisLogHash
			}
			verr := audit.Verify(entries)
			if verr == nil {
				verr = audit.VerifyAnchors(entries)
			}
			if verr == nil {
				report.MerkleRoot, verr = audit.Root(entries)
			}
			if verr == nil && expectedRoot != "" {
				verr = audit.VerifyRoot(entries, expectedRoot)
			}
			if verr != nil {
				report.Status = "failed"
				report.Failure = verr.Error()
				var broken *audit.BrokenChainError
				var badTS *audit.BadTimestampError
				var badAnchor *audit.AnchorMismatchError
				switch {
				case errors.As(verr, &broken):
					report.Index = &broken.Index
				case errors.As(verr, &badTS):
					report.Index = &badTS.Index
				case errors.As(verr, &badAnchor):
					report.Index = &badAnchor.Index
				}
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if verr != nil {
				return errors.New("audit log verification failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expectedRoot, "root", "", "expected Merkle root (hex)")
	return cmd
}

func auditExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored audit log as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gk, store, err := app.OpenGatekeeper(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
				if err != nil {
					return fmt.Errorf("create export: %w", err)
				}
				defer f.Close()
				w = f
			}
			n, err := gk.ExportAudit(cmd.Context(), w)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	return cmd
}

func auditRootCommand() *cobra.Command {
	var upto int64
	cmd := &cobra.Command{
		Use:   "root",
		Short: "Print the Merkle root of the stored audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gk, store, err := app.OpenGatekeeper(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			var seq *int64
			if cmd.Flags().Changed("upto") {
				seq = &upto
			}
			resp, err := gk.AuditRoot(cmd.Context(), seq)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().Int64Var(&upto, "upto", 0, "compute the root over entries 0..upto")
	return cmd
}

// auditAnchorCommand timestamps the current Merkle root with the configured
// OpenTimestamps calendars. Meant to run from cron.
func auditAnchorCommand() *cobra.Command {
	var proofsDir string
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Anchor the audit log's Merkle root with OpenTimestamps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gk, store, err := app.OpenGatekeeper(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := gk.AnchorAudit(cmd.Context())
			if err != nil {
				return err
			}
			if proofsDir != "" && res.Created {
				if err := writeProofs(proofsDir, res.Anchor); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), protocol.AuditAnchorResponse{
				Created:    res.Created,
				UptoSeq:    res.UptoSeq,
				MerkleRoot: res.MerkleRoot,
				Calendars:  anchorCalendars(res.Anchor),
				Failed:     res.Failed,
			})
		},
	}
	cmd.Flags().StringVar(&proofsDir, "proofs-dir", "", "also write one <root>.<n>.ots file per proof here")
	return cmd
}

func anchorCalendars(a audit.Anchor) []string {
	out := make([]string, 0, len(a.Proofs))
	for _, p := range a.Proofs {
		out = append(out, p.Calendar)
	}
	return out
}

func writeProofs(dir string, a audit.Anchor) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create proofs dir: %w", err)
	}
	for i, p := range a.Proofs {
		raw, err := hex.DecodeString(p.OTS)
		if err != nil {
			return fmt.Errorf("decode proof from %s: %w", p.Calendar, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.%d.ots", a.MerkleRoot, i))
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("write proof: %w", err)
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
