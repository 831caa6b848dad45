package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	scanFrames       string
	scanLimit        int
	scanTriggerEvery int
	scanSettle       time.Duration
	scanOutput       string
	scanSave         bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Replay a recorded detection stream through the scanning session",
	Long: `Reads frames from a JSONL file (one frame per line) and feeds them
through the full session: aggregation, classification, gating, pricing
and overlay rendering.

Each line is a frame object:
  {"detections":[{"tracking_id":"t1","label":"drill","confidence":0.9,
    "bbox":{"x":0.4,"y":0.4,"w":0.2,"h":0.2}}],
   "roi":{"x":0.25,"y":0.25,"w":0.5,"h":0.5}}

Examples:
  # Replay a capture, print aggregated items as JSON
  scanpipe scan --frames capture.jsonl

  # Replay and persist the session to the configured store
  scanpipe scan --frames capture.jsonl --save`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSession(ctx, "scan", scanSave)
		if err != nil {
			return err
		}
		defer env.Close()

		processed, err := replayFrames(ctx, env, scanFrames)
		if err != nil {
			return err
		}

		// Final trigger, then let in-flight classifications and price
		// estimations settle before collecting results.
		env.Coordinator.TriggerEnhancedClassification(ctx)
		time.Sleep(scanSettle)

		items := env.Coordinator.Items()
		stats := env.Coordinator.Stats()
		zap.L().Info("scan: replay complete",
			zap.Int("frames", processed),
			zap.Int("items", len(items)),
			zap.Int64("dispatched", stats.ClassificationsDispatched),
			zap.Int64("failed", stats.ClassificationsFailed),
		)

		if scanSave {
			if err := saveSession(ctx, env); err != nil {
				return err
			}
		}

		return writeItemsJSON(items, scanOutput)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanFrames, "frames", "", "path to JSONL frame capture (required)")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "max frames to replay (0 = all)")
	scanCmd.Flags().IntVar(&scanTriggerEvery, "trigger-every", 5, "trigger classification every N frames")
	scanCmd.Flags().DurationVar(&scanSettle, "settle", 2*time.Second, "wait for async work after the last frame")
	scanCmd.Flags().StringVar(&scanOutput, "output", "", "write items JSON to file (default: stdout)")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "persist the session and its items to the store")
	_ = scanCmd.MarkFlagRequired("frames")
	rootCmd.AddCommand(scanCmd)
}

// replayFrames streams the capture file through the coordinator and
// returns the number of frames processed.
func replayFrames(ctx context.Context, env *sessionEnv, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrap(err, "scan: open frames file")
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	processed := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame frameWire
		if err := json.Unmarshal(line, &frame); err != nil {
			return processed, eris.Wrapf(err, "scan: parse frame %d", processed+1)
		}

		env.Coordinator.ProcessFrame(ctx, frame.detections(), frame.roi(), frame.LockedID, frame.goodState())
		processed++

		if scanTriggerEvery > 0 && processed%scanTriggerEvery == 0 {
			env.Coordinator.TriggerEnhancedClassification(ctx)
		}
		if scanLimit > 0 && processed >= scanLimit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return processed, eris.Wrap(err, "scan: read frames file")
	}
	return processed, nil
}

// saveSession persists the current session and all aggregated items.
func saveSession(ctx context.Context, env *sessionEnv) error {
	token := env.Coordinator.SessionToken()
	if _, err := env.Store.CreateSession(ctx, token); err != nil {
		return eris.Wrap(err, "scan: create session")
	}

	saved := 0
	for _, it := range env.Coordinator.Items() {
		if err := env.Store.SaveItem(ctx, token, it); err != nil {
			zap.L().Error("scan: save item", zap.String("item", it.ID), zap.Error(err))
			continue
		}
		saved++
	}

	if err := env.Store.CloseSession(ctx, token); err != nil {
		return eris.Wrap(err, "scan: close session")
	}
	zap.L().Info("scan: session saved", zap.String("token", token), zap.Int("items", saved))
	return nil
}

// writeItemsJSON writes items to the output file or stdout.
func writeItemsJSON(items any, path string) error {
	w := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "scan: create output file")
		}
		defer f.Close() //nolint:errcheck
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}
