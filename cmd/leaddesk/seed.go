package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/leadgen"
	"github.com/opensource-finance/leaddesk/internal/repository"
)

var seedOpts struct {
	count       int
	leadType    string
	country     string
	patternPool int
	seed        uint64
	batchSize   int
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert synthetic leads into the configured repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		leadType := domain.LeadType(seedOpts.leadType)
		if leadType != "" && !leadType.Valid() {
			return fmt.Errorf("unknown lead type %q", leadType)
		}
		if seedOpts.count <= 0 {
			return fmt.Errorf("count must be positive")
		}
		if seedOpts.batchSize <= 0 {
			seedOpts.batchSize = 500
		}

		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()

		start := time.Now()
		leads := leadgen.Generate(leadgen.Options{
			Count:       seedOpts.count,
			LeadType:    leadType,
			Country:     seedOpts.country,
			PatternPool: seedOpts.patternPool,
			Seed:        seedOpts.seed,
		})

		for from := 0; from < len(leads); from += seedOpts.batchSize {
			to := min(from+seedOpts.batchSize, len(leads))
			if err := repo.SaveLeads(cmd.Context(), leads[from:to]); err != nil {
				return fmt.Errorf("failed to save leads %d-%d: %w", from, to, err)
			}
		}

		slog.Info("leads seeded",
			"count", len(leads),
			"lead_type", leadType,
			"driver", cfg.Repository.Driver,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %d leads\n", len(leads))
		return nil
	},
}

func init() {
	f := seedCmd.Flags()
	f.IntVarP(&seedOpts.count, "count", "n", 50, "number of leads to generate")
	f.StringVarP(&seedOpts.leadType, "type", "t", "", "lead type (ftd, filler, cold, live); empty mixes types")
	f.StringVar(&seedOpts.country, "country", "", "country for every lead; empty mixes countries")
	f.IntVar(&seedOpts.patternPool, "pattern-pool", 0, "draw phone patterns from this many values (0 = any)")
	f.Uint64Var(&seedOpts.seed, "seed", 0, "random seed (0 = random)")
	f.IntVar(&seedOpts.batchSize, "batch-size", 500, "leads per insert transaction")
}
