package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/logagent/internal/sink"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect a batch journal",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Check the hash chain of a batch journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := sink.VerifyJournal(args[0])
			if err != nil {
				return err
			}
			lines := 0
			for _, e := range entries {
				lines += e.Lines
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal ok: %d batches, %d lines\n", len(entries), lines)
			return nil
		},
	})
	return cmd
}

// drainedBatch is the JSON form of a spooled batch printed by spool drain.
type drainedBatch struct {
	Seq       int64     `json:"seq"`
	BatchID   string    `json:"batch_id"`
	Lines     int       `json:"lines"`
	Reason    string    `json:"reason"`
	FlushedAt time.Time `json:"flushed_at"`
	Content   string    `json:"content"`
}

func newSpoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect or drain a batch spool",
	}

	var (
		limit int
		ack   bool
	)
	drain := &cobra.Command{
		Use:   "drain <path>",
		Short: "Print pending spooled batches as JSON lines, optionally acknowledging them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := openExistingSpool(args[0])
			if err != nil {
				return err
			}
			defer sp.Close()

			ctx := cmd.Context()
			pending, err := sp.Dequeue(ctx, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			seqs := make([]int64, 0, len(pending))
			for _, p := range pending {
				if err := enc.Encode(drainedBatch{
					Seq:       p.Seq,
					BatchID:   p.Batch.ID,
					Lines:     p.Batch.Lines,
					Reason:    string(p.Batch.Reason),
					FlushedAt: p.Batch.FlushedAt,
					Content:   string(p.Batch.Content),
				}); err != nil {
					return fmt.Errorf("spool drain: encode: %w", err)
				}
				seqs = append(seqs, p.Seq)
			}
			if ack {
				if err := sp.Ack(ctx, seqs); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d batches printed, %d still pending\n", len(pending), sp.Depth())
			return nil
		},
	}
	drain.Flags().IntVar(&limit, "limit", 100, "maximum number of batches to print")
	drain.Flags().BoolVar(&ack, "ack", false, "mark printed batches as delivered")

	depth := &cobra.Command{
		Use:   "depth <path>",
		Short: "Print the number of pending spooled batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := openExistingSpool(args[0])
			if err != nil {
				return err
			}
			defer sp.Close()
			fmt.Fprintln(cmd.OutOrStdout(), sp.Depth())
			return nil
		},
	}

	cmd.AddCommand(drain, depth)
	return cmd
}

// openExistingSpool opens the spool at path without creating one; OpenSpool
// alone would turn a mistyped path into an empty database.
func openExistingSpool(path string) (*sink.SpoolSink, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return sink.OpenSpool(path)
}
