package client

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/ipcd/internal/config"
	"github.com/rzbill/ipcd/internal/counters"
)

const countersFileName = "counters.dat"

// statCounter is one row of `ipcd stat`.
type statCounter struct {
	ID    int32  `json:"id"`
	Type  string `json:"type"`
	Value int64  `json:"value"`
	Label string `json:"label"`
}

type statReport struct {
	Dir       string        `json:"dir"`
	PID       int64         `json:"pid"`
	Started   time.Time     `json:"started"`
	Heartbeat time.Time     `json:"heartbeat"`
	Active    bool          `json:"active"`
	Counters  []statCounter `json:"counters"`
}

// readStat maps the counters file read-only and collects allocated counters.
func readStat(dir, typ string, timeout time.Duration, now time.Time) (statReport, error) {
	store, err := counters.Open(filepath.Join(dir, countersFileName))
	if err != nil {
		return statReport{}, fmt.Errorf("open counters in %s: %w", dir, err)
	}
	defer func() { _ = store.Close() }()
	hb, _ := counters.Heartbeat(store)
	rep := statReport{
		Dir:       dir,
		PID:       store.PID(),
		Started:   store.StartTime(),
		Heartbeat: hb,
		Active:    counters.IsDriverActive(store, timeout, now),
	}
	store.ForEach(func(id int32, value int64, meta counters.Meta) bool {
		name := counters.TypeName(meta.TypeID)
		if typ == "" || name == typ {
			rep.Counters = append(rep.Counters, statCounter{ID: id, Type: name, Value: value, Label: meta.Label})
		}
		return true
	})
	return rep, nil
}

// NewStatCommand constructs `stat`, which reads the counters file of a
// driver directly from shared memory.
func NewStatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Print driver liveness and every allocated counter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			typ, _ := cmd.Flags().GetString("type")
			timeout, _ := cmd.Flags().GetDuration("driver-timeout")
			asJSON, _ := cmd.Flags().GetBool("json")
			if dir == "" {
				cfg := cfgpkg.Default()
				cfgpkg.FromEnv(&cfg)
				dir = cfg.DriverDir
			}
			rep, err := readStat(dir, typ, timeout, time.Now())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, rep)
			}
			state := "INACTIVE"
			if rep.Active {
				state = "ACTIVE"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "driver %s pid=%d dir=%s heartbeat=%s\n", state, rep.PID, rep.Dir, rep.Heartbeat.Format(time.RFC3339Nano))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tVALUE\tLABEL")
			for _, c := range rep.Counters {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", c.ID, c.Type, c.Value, c.Label)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("dir", "", "Driver directory (defaults to IPCD_DIR or the platform default)")
	cmd.Flags().String("type", "", "Only show counters of this type (e.g. pub-lmt, sub-pos, system)")
	cmd.Flags().Duration("driver-timeout", 10*time.Second, "Heartbeat age after which the driver counts as inactive")
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}
