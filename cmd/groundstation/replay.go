package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/groundstation/internal/history"
	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logging"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

var (
	replayInput  string
	replayOutput string
	replayTeam   int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Decode a raw serial capture into a CSV export",
	Long:  "replay runs a captured byte stream through the frame reader and decoder and writes the accepted records as CSV (.zst compresses).",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" || replayOutput == "" {
			return fmt.Errorf("input and output files required")
		}
		res, stats, err := replayCapture(replayInput, replayOutput, replayTeam)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows (%d frames, %d dropped, %d filtered) blake3:%s\n",
			res.Path, res.Rows, stats.Frames, stats.Dropped, stats.Filtered, res.Digest)
		return nil
	},
}

func replayCapture(input, output string, team int) (history.ExportResult, telemetry.Stats, error) {
	f, err := os.Open(input)
	if err != nil {
		return history.ExportResult{}, telemetry.Stats{}, err
	}
	defer f.Close()

	dec := telemetry.NewDecoder(telemetry.NewFilter(team), logging.Component("decoder"))
	var records []telemetry.Record
	err = link.ReadFrames(f, link.DefaultMaxFrame, logging.Component("reader"), func(frame []byte) {
		records = append(records, dec.Decode(frame)...)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return history.ExportResult{}, dec.Stats(), err
	}

	res, err := history.WriteCSV(output, records)
	return res, dec.Stats(), err
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to raw serial capture")
	replayCmd.Flags().StringVar(&replayOutput, "output", "", "Path of the CSV to write")
	replayCmd.Flags().IntVar(&replayTeam, "team", 0, "Only keep records from this team id")
	replayCmd.MarkFlagRequired("input")
	replayCmd.MarkFlagRequired("output")
}
