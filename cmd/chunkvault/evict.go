package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evictFraction float64

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Run one eviction pass over synced segments",
	RunE:  runEvict,
}

func init() {
	evictCmd.Flags().Float64Var(&evictFraction, "fraction", 0, "target usage as a fraction of capacity (default from config)")
	rootCmd.AddCommand(evictCmd)
}

func runEvict(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("fraction") && (evictFraction <= 0 || evictFraction > 1) {
		return fmt.Errorf("fraction must be in (0, 1], got %v", evictFraction)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, "chunkvault-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	fraction := cfg.Storage.TargetFraction
	if cmd.Flags().Changed("fraction") {
		fraction = evictFraction
	}

	result := a.service.Evict(cmd.Context(), fraction)
	out := cmd.OutOrStdout()
	if !result.Ran {
		fmt.Fprintf(out, "usage %d of %d bytes, nothing to evict\n", result.UsedBefore, result.CapacityBytes)
		return result.Err
	}

	fmt.Fprintf(out, "evicted %d segments, reclaimed %d bytes (%d -> %d of %d)\n",
		len(result.Evicted), result.ReclaimedBytes, result.UsedBefore, result.UsedAfter, result.CapacityBytes)
	if result.CapacityExceeded {
		fmt.Fprintln(out, "capacity still exceeded: remaining segments are not synced yet")
	}
	return result.Err
}
