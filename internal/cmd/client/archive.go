package client

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/rzbill/ipcd/internal/archive"
	cfgpkg "github.com/rzbill/ipcd/internal/config"
)

// archiveSource abstracts the two ways the CLI reaches the archive: through a
// running driver's admin HTTP endpoint, or by opening the pebble directory of
// a stopped driver.
type archiveSource interface {
	List(ctx context.Context) ([]archive.Entry, error)
	Frames(ctx context.Context, id, from int64, limit int) ([]frameRow, error)
	Prune(ctx context.Context, olderThan time.Duration, batch int) (int, error)
	Close() error
}

type frameRow struct {
	Position int64  `json:"position"`
	TermID   int32  `json:"termId"`
	Payload  []byte `json:"payload"`
}

type httpArchive struct{ baseURL string }

func (h httpArchive) List(ctx context.Context) ([]archive.Entry, error) {
	var data struct {
		Entries []archive.Entry `json:"entries"`
	}
	err := getJSON(ctx, h.baseURL+"/v1/archive", &data)
	return data.Entries, err
}

func (h httpArchive) Frames(ctx context.Context, id, from int64, limit int) ([]frameRow, error) {
	var data struct {
		Frames []frameRow `json:"frames"`
	}
	url := fmt.Sprintf("%s/v1/archive/frames?id=%d&from=%d&limit=%d", h.baseURL, id, from, limit)
	err := getJSON(ctx, url, &data)
	return data.Frames, err
}

func (h httpArchive) Prune(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	req := map[string]any{"olderThan": olderThan.String(), "batch": batch}
	err := doJSON(ctx, "POST", h.baseURL+"/v1/archive/prune", req, &resp)
	return resp.Removed, err
}

func (httpArchive) Close() error { return nil }

type localArchive struct{ a *archive.Archive }

func (l localArchive) List(ctx context.Context) ([]archive.Entry, error) { return l.a.List(ctx) }

func (l localArchive) Frames(ctx context.Context, id, from int64, limit int) ([]frameRow, error) {
	if _, err := l.a.Get(id); err != nil {
		return nil, err
	}
	frames, err := l.a.Read(ctx, id, from, limit)
	out := make([]frameRow, len(frames))
	for i, f := range frames {
		out[i] = frameRow{Position: f.Position, TermID: f.Header.TermID, Payload: f.Payload}
	}
	return out, err
}

func (l localArchive) Prune(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	return l.a.PruneOlderThan(ctx, time.Now().Add(-olderThan), batch)
}

func (l localArchive) Close() error { return l.a.Close() }

func openArchiveSource(cmd *cobra.Command, baseURL BaseURLFunc) (archiveSource, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return httpArchive{baseURL: baseURL()}, nil
	}
	a, err := archive.Open(archive.Options{Dir: dir})
	if err != nil {
		return nil, err
	}
	return localArchive{a: a}, nil
}

// NewArchiveCommand constructs the `archive` group: list, frames and prune.
func NewArchiveCommand(baseURL BaseURLFunc) *cobra.Command {
	archiveCmd := &cobra.Command{Use: "archive", Short: "Inspect and prune archived logs"}
	archiveCmd.PersistentFlags().String("dir", "", "Open this archive directory directly instead of asking a running driver")
	archiveCmd.AddCommand(
		newArchiveListCommand(baseURL),
		newArchiveFramesCommand(baseURL),
		newArchivePruneCommand(baseURL),
	)
	return archiveCmd
}

func newArchiveListCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived logs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := openArchiveSource(cmd, baseURL)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			entries, err := src.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REG\tSESSION\tSTREAM\tROUTE\tSTART\tEND\tFRAMES\tARCHIVED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
					e.RegistrationID, e.SessionID, e.StreamID, e.Route, e.StartPosition, e.EndPosition, e.Frames, e.Archived.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func newArchiveFramesCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frames <registration-id>",
		Short: "Print archived frames of one log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid registration id %q", args[0])
			}
			from, _ := cmd.Flags().GetInt64("from")
			limit, _ := cmd.Flags().GetInt("limit")
			src, err := openArchiveSource(cmd, baseURL)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			frames, err := src.Frames(cmd.Context(), id, from, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range frames {
				if utf8.Valid(f.Payload) {
					fmt.Fprintf(out, "%d\t%d\t%s\n", f.Position, f.TermID, f.Payload)
				} else {
					fmt.Fprintf(out, "%d\t%d\t%x\n", f.Position, f.TermID, f.Payload)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64("from", 0, "Start position")
	cmd.Flags().Int("limit", 100, "Maximum frames to print")
	return cmd
}

func newArchivePruneCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived logs older than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			batch, _ := cmd.Flags().GetInt("batch")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			src, err := openArchiveSource(cmd, baseURL)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			n, err := src.Prune(cmd.Context(), olderThan, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d archived logs\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "Prune logs archived before now minus this duration")
	cmd.Flags().Int("batch", cfgpkg.Default().Retention.PruneBatch, "Logs removed per write batch")
	return cmd
}
