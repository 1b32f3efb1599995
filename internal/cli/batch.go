package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/emitter"
)

var (
	batchFile        string
	batchAspectRatio string
	batchPlain       bool
	batchFromSeq     int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit batches and follow their progress",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a batch from a JSON file and stream its progress",
	Example: `  genrelay batch run --file scenes.json
  cat scenes.json | genrelay batch run --file - --plain`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readBatchFile(batchFile)
		if err != nil {
			return err
		}
		if batchAspectRatio != "" {
			payload.AspectRatio = batchAspectRatio
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		resp, err := newAPIClient(serverURL).stream(ctx, http.MethodPost, "/batches", payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return follow(ctx, resp.Header.Get("X-Batch-Id"), len(payload.Items), resp.Body)
	},
}

var batchWatchCmd = &cobra.Command{
	Use:   "watch <batch-id>",
	Short: "Re-attach to a running or recently finished batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path := fmt.Sprintf("/batches/%s/events?from_seq=%d", args[0], batchFromSeq)
		resp, err := newAPIClient(serverURL).stream(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return follow(ctx, args[0], 0, resp.Body)
	},
}

func init() {
	batchRunCmd.Flags().StringVarP(&batchFile, "file", "f", "", "JSON file with the batch items (- for stdin)")
	batchRunCmd.Flags().StringVar(&batchAspectRatio, "aspect-ratio", "", "aspect ratio applied to items that set none")
	_ = batchRunCmd.MarkFlagRequired("file")
	batchWatchCmd.Flags().IntVar(&batchFromSeq, "from-seq", 0, "replay events after this sequence number")
	batchCmd.PersistentFlags().BoolVar(&batchPlain, "plain", false, "print one line per event instead of the live view")
	batchCmd.AddCommand(batchRunCmd, batchWatchCmd)
	rootCmd.AddCommand(batchCmd)
}

type batchPayload struct {
	Items       []domain.JobSpec `json:"items"`
	AspectRatio string           `json:"aspect_ratio,omitempty"`
}

func readBatchFile(path string) (batchPayload, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return batchPayload{}, fmt.Errorf("read batch file: %w", err)
	}
	return parseBatchFile(data)
}

// parseBatchFile accepts either a bare array of items or an object with an
// items field.
func parseBatchFile(data []byte) (batchPayload, error) {
	var payload batchPayload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &payload.Items); err != nil {
			return batchPayload{}, fmt.Errorf("parse batch items: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &payload); err != nil {
		return batchPayload{}, fmt.Errorf("parse batch file: %w", err)
	}
	if len(payload.Items) == 0 {
		return batchPayload{}, errors.New("batch file has no items")
	}
	return payload, nil
}

// follow renders a batch stream until its complete event, either live or as
// plain lines when stdout is not a terminal.
func follow(ctx context.Context, id string, total int, body io.Reader) error {
	if batchPlain || !stdoutIsTTY() {
		summary, err := printPlain(os.Stdout, body)
		if err != nil {
			return err
		}
		return summaryErr(summary)
	}

	summary, err := runBatchView(ctx, id, total, body)
	if err != nil {
		return err
	}
	if summary == nil {
		_, _ = fmt.Fprintf(os.Stdout, "detached; resume with: genrelay batch watch %s\n", id)
		return nil
	}
	return summaryErr(summary)
}

func summaryErr(summary *domain.CompleteEvent) error {
	if summary == nil {
		return errors.New("stream ended before the batch completed")
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", summary.Failed, summary.Total)
	}
	return nil
}

// printPlain writes one line per event and returns the completion summary.
func printPlain(out io.Writer, body io.Reader) (*domain.CompleteEvent, error) {
	var summary *domain.CompleteEvent
	err := emitter.Parse(body, func(f emitter.Frame) error {
		evt, err := emitter.Decode(f)
		if err != nil {
			return err
		}
		line, done := describeEvent(evt)
		_, _ = fmt.Fprintln(out, line)
		if done {
			c := evt.Data.(domain.CompleteEvent)
			summary = &c
		}
		return nil
	})
	return summary, err
}

// describeEvent renders evt as a single line and reports whether it ends the stream.
func describeEvent(evt domain.Event) (string, bool) {
	switch d := evt.Data.(type) {
	case domain.StatusEvent:
		if d.Message != "" {
			return fmt.Sprintf("[%d] %s: %s", evt.Seq, d.Phase, d.Message), false
		}
		return fmt.Sprintf("[%d] %s", evt.Seq, d.Phase), false
	case domain.ItemEvent:
		detail := d.ResultRef
		if d.Status == domain.ItemFailed {
			detail = d.Error
		}
		return fmt.Sprintf("[%d] item %d %s (%d/%d) %s",
			evt.Seq, d.Index, d.Status, d.Progress.Completed, d.Progress.Total, strings.TrimSpace(detail)), false
	case domain.CompleteEvent:
		return fmt.Sprintf("[%d] complete: %d succeeded, %d failed in %dms",
			evt.Seq, d.Succeeded, d.Failed, d.DurationMs), true
	default:
		return fmt.Sprintf("[%d] %s", evt.Seq, evt.Type), false
	}
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
