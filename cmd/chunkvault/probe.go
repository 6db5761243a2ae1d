package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yeti47/chunkvault/segments"
)

var probeCmd = &cobra.Command{
	Use:   "probe <segment-id>",
	Short: "Read container format, codec and duration of a stored segment with ffprobe",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, "chunkvault-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	segment, err := a.service.GetSegment(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	info, err := segments.NewFFProbeProber(a.logger).Probe(segment.Payload, segment.MimeType)
	if err != nil {
		return fmt.Errorf("failed to probe segment %s: %w", segment.ID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "segment:   %s (%s)\n", segment.ID, segment.DisplayName)
	fmt.Fprintf(out, "mime type: %s\n", segment.MimeType)
	fmt.Fprintf(out, "format:    %s\n", info.FormatName)
	fmt.Fprintf(out, "codec:     %s\n", info.AudioCodec)
	fmt.Fprintf(out, "duration:  %s (recorded %.1fs)\n", info.Duration, segment.DurationSeconds)
	return nil
}
