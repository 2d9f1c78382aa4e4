package client

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/ipcd/internal/cmd/client/transports"
)

// NewErrorsCommand constructs `errors`, printing the driver's distinct error log.
func NewErrorsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "Print the distinct error log of a running driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var data struct {
				Errors []struct {
					Message       string    `json:"message"`
					Count         int64     `json:"count"`
					FirstObserved time.Time `json:"firstObserved"`
					LastObserved  time.Time `json:"lastObserved"`
				} `json:"errors"`
				Dropped int64 `json:"dropped"`
			}
			if err := getJSON(cmd.Context(), baseURL()+"/v1/errors", &data); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range data.Errors {
				fmt.Fprintf(out, "%d observations from %s to %s\n  %s\n",
					e.Count, e.FirstObserved.Format(time.RFC3339), e.LastObserved.Format(time.RFC3339), e.Message)
			}
			fmt.Fprintf(out, "%d distinct errors", len(data.Errors))
			if data.Dropped > 0 {
				fmt.Fprintf(out, ", %d dropped", data.Dropped)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

// NewPublicationsCommand constructs `publications`.
func NewPublicationsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "publications",
		Aliases: []string{"pubs"},
		Short:   "List live publications of a running driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			var data struct {
				Publications []struct {
					RegistrationID   int64  `json:"registrationId"`
					SessionID        int32  `json:"sessionId"`
					StreamID         int32  `json:"streamId"`
					Route            string `json:"route"`
					State            string `json:"state"`
					ProducerPosition int64  `json:"producerPosition"`
					PublisherLimit   int64  `json:"publisherLimit"`
					Subscribers      int    `json:"subscribers"`
				} `json:"publications"`
			}
			if err := getJSON(cmd.Context(), baseURL()+"/v1/publications", &data); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, data)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REG\tSESSION\tSTREAM\tROUTE\tSTATE\tPRODUCER\tLIMIT\tSUBS")
			for _, p := range data.Publications {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%d\t%d\t%d\n",
					p.RegistrationID, p.SessionID, p.StreamID, p.Route, p.State, p.ProducerPosition, p.PublisherLimit, p.Subscribers)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

// NewHealthCommand constructs `health`, which asks a running driver for its
// liveness over gRPC (default) or HTTP.
func NewHealthCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check driver liveness through the admin endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("transport")
			addr, _ := cmd.Flags().GetString("grpc")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if addr == "" {
				addr = grpcAddrFromEnv()
			}
			t, err := transports.New(name, addr, baseURL())
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()
			status, err := t.Check(ctx)
			if err != nil && !errors.Is(err, transports.ErrNotServing) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", status)
			return err
		},
	}
	cmd.Flags().String("transport", "grpc", "Transport: grpc|http")
	cmd.Flags().String("grpc", "", "Admin gRPC address (defaults to IPCD_GRPC or 127.0.0.1:8091)")
	cmd.Flags().Duration("timeout", 3*time.Second, "Request timeout")
	return cmd
}
