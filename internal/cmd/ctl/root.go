// Package ctl contains the syncqueuectl Cobra commands for inspecting and
// repairing a sync queue by hand.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

// Deps opens the resources commands need. Each func is called at most once
// per command run.
type Deps struct {
	Queue  func(ctx context.Context) (syncqueue.Queue, error)
	Schema func(ctx context.Context) error
}

func NewRoot(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "syncqueuectl",
		Short:         "Inspect and edit the blobstore sync queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSchemaCommand(deps),
		newIterCommand(deps),
		newGetCommand(deps),
		newDelCommand(deps),
		newDepthCommand(deps),
	)
	return root
}

func newSchemaCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the Postgres table and indexes if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.Schema == nil {
				return fmt.Errorf("schema: %w", syncqueue.ErrUnsupported)
			}
			if err := deps.Schema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newIterCommand(deps Deps) *cobra.Command {
	var (
		multiplex int64
		olderThan string
		limit     int
		keyLike   string
	)
	cmd := &cobra.Command{
		Use:   "iter",
		Short: "List due entries, whole correlation groups at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff := time.Now()
			if olderThan != "" {
				var err error
				if cutoff, err = time.Parse(time.RFC3339Nano, olderThan); err != nil {
					return fmt.Errorf("--older-than: %w", err)
				}
			}
			q, err := deps.Queue(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := q.Iter(cmd.Context(), syncqueue.IterParams{
				KeyLike:     keyLike,
				MultiplexID: syncqueue.MultiplexID(multiplex),
				OlderThan:   cutoff,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().Int64Var(&multiplex, "multiplex", 0, "multiplex id")
	cmd.Flags().StringVar(&olderThan, "older-than", "", "RFC 3339 cutoff (default now)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of groups")
	cmd.Flags().StringVar(&keyLike, "key-like", "", "SQL LIKE pattern over blob keys")
	_ = cmd.MarkFlagRequired("multiplex")
	return cmd
}

func newGetCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Show every entry recorded for a blob key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := deps.Queue(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := q.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
}

func newDelCommand(deps Deps) *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "del",
		Short: "Delete entries by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := deps.Queue(cmd.Context())
			if err != nil {
				return err
			}
			entries := make([]syncqueue.Entry, len(ids))
			for i, id := range ids {
				entries[i].ID = id
			}
			if err := q.Del(cmd.Context(), entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d ids\n", len(ids))
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "entry id (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newDepthCommand(deps Deps) *cobra.Command {
	var multiplex int64
	cmd := &cobra.Command{
		Use:   "depth",
		Short: "Count pending entries for a multiplex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := deps.Queue(cmd.Context())
			if err != nil {
				return err
			}
			inspector, ok := q.(syncqueue.Inspector)
			if !ok {
				return fmt.Errorf("depth: %w", syncqueue.ErrUnsupported)
			}
			n, err := inspector.Depth(cmd.Context(), syncqueue.MultiplexID(multiplex))
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int64{"multiplex_id": multiplex, "depth": n})
		},
	}
	cmd.Flags().Int64Var(&multiplex, "multiplex", 0, "multiplex id")
	_ = cmd.MarkFlagRequired("multiplex")
	return cmd
}

// printEntries writes one JSON object per line.
func printEntries(w io.Writer, entries []syncqueue.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
