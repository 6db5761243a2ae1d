package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yeti47/chunkvault/segments"
)

var (
	listLimit   int
	listOffset  int
	listState   string
	listTag     string
	listSession string
)

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "Inspect stored segments",
}

var segmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored segments, newest first",
	RunE:  runSegmentsList,
}

func init() {
	segmentsListCmd.Flags().IntVarP(&listLimit, "limit", "n", segments.DefaultListLimit, "maximum number of segments")
	segmentsListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of segments to skip")
	segmentsListCmd.Flags().StringVar(&listState, "state", "", "filter by sync state (local, queued, syncing, synced, failed)")
	segmentsListCmd.Flags().StringVar(&listTag, "tag", "", "filter by tag")
	segmentsListCmd.Flags().StringVar(&listSession, "session", "", "filter by session id")
	segmentsCmd.AddCommand(segmentsListCmd)
	rootCmd.AddCommand(segmentsCmd)
}

func runSegmentsList(cmd *cobra.Command, args []string) error {
	if listLimit < 1 {
		return segments.NewValidationError("limit", "must be at least 1")
	}
	query := segments.Query{
		Tag:       listTag,
		SessionID: listSession,
		Limit:     listLimit,
		Offset:    listOffset,
	}
	if listState != "" {
		state, err := segments.ParseSyncState(listState)
		if err != nil {
			return err
		}
		query.SyncState = &state
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

	list, total, err := a.service.ListSegments(cmd.Context(), query)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tSIZE\tDURATION\tSTATE\tTAGS")
	for _, info := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1fs\t%s\t%s\n",
			info.ID,
			info.DisplayName,
			info.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			info.SizeBytes,
			info.DurationSeconds,
			info.SyncState,
			strings.Join(info.Tags, " "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d segments\n", len(list), total)
	return nil
}
