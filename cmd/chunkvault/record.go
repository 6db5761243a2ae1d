package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/settings"
)

var (
	recordDuration time.Duration
	recordTarget   int
	recordOverlap  int
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record headless until the duration elapses or the process is interrupted",
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
	recordCmd.Flags().IntVar(&recordTarget, "target", 0, "segment target duration in seconds (5-60)")
	recordCmd.Flags().IntVar(&recordOverlap, "overlap", -1, "handoff overlap in milliseconds (0-2000)")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, "chunkvault-record")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var partial settings.Partial
	if recordTarget > 0 {
		partial.TargetSegmentSeconds = &recordTarget
	}
	if recordOverlap >= 0 {
		partial.OverlapMillis = &recordOverlap
	}
	if partial.TargetSegmentSeconds != nil || partial.OverlapMillis != nil {
		if _, err := a.service.UpdateSettings(ctx, partial); err != nil {
			return fmt.Errorf("failed to apply recording settings: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	a.bus.Subscribe(events.TypeSegmentCompleted, func(e events.Event) {
		seg := e.(events.SegmentCompletedEvent)
		fmt.Fprintf(out, "segment %d stored: %s (%d bytes, %.1fs)\n",
			seg.SequenceNumber, seg.DisplayName, seg.SizeBytes, seg.Duration)
	})
	a.bus.Subscribe(events.TypeError, func(e events.Event) {
		errEvent := e.(events.ErrorEvent)
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", errEvent.Kind, errEvent.Message)
	})

	// an aborted session ends the command without waiting for the timeout
	ended := make(chan events.SessionSummaryEvent, 1)
	a.bus.Subscribe(events.TypeSessionSummary, func(e events.Event) {
		select {
		case ended <- e.(events.SessionSummaryEvent):
		default:
		}
	})

	a.worker.Start(ctx)

	sessionID, err := a.service.StartSession(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	current := a.service.Settings()
	fmt.Fprintf(out, "recording session %s (target %ds, overlap %dms), press Ctrl+C to stop\n",
		sessionID, current.TargetSegmentSeconds, current.OverlapMillis)

	var timeout <-chan time.Time
	if recordDuration > 0 {
		timer := time.NewTimer(recordDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case summary := <-ended:
		fmt.Fprintf(out, "session %s ended: %d segments, %s recorded\n",
			summary.SessionID, summary.TotalSegments, summary.TotalDuration.Round(time.Millisecond))
		if summary.Aborted {
			return fmt.Errorf("session %s aborted", summary.SessionID)
		}
		return nil
	}

	summary, err := a.service.StopSession(context.Background())
	if err != nil && summary.SessionID == "" {
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	fmt.Fprintf(out, "session %s finished: %d segments, %s recorded\n",
		summary.SessionID, summary.TotalSegments, summary.TotalDuration.Round(time.Millisecond))
	if summary.Aborted {
		return fmt.Errorf("session aborted: %w", summary.Err)
	}
	return nil
}
