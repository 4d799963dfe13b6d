package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vbonduro/lendchain/internal/config"
)

var errInconsistent = errors.New("ledger and chain disagree")

func auditRun(cmd *cobra.Command, cfg *config.Config) error {
	logger, cleanup := commonRun(cfg)
	defer cleanup()

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.newAuditor().Run(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "checked %d items, %d mismatches\n", report.Checked, len(report.Mismatches))
	for _, m := range report.Mismatches {
		if m.MissingOnChain {
			fmt.Fprintf(out, "  %s: not registered on chain\n", m.ItemID)
			continue
		}
		fmt.Fprintf(out, "  %s: ledger owner=%s holder=%s, chain owner=%s holder=%s\n",
			m.ItemID, m.Ledger.Owner, m.Ledger.Holder, m.Chain.Owner, m.Chain.Holder)
	}
	if !report.Consistent() {
		return errInconsistent
	}
	return nil
}

func auditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare the item ledger with custody on chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return fmt.Errorf("no config found in context")
			}
			return auditRun(cmd, cfg)
		},
	}
}
