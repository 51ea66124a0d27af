package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"sleepywoodpecker/mt-relay/internal/config"
	"sleepywoodpecker/mt-relay/internal/npy"
	"sleepywoodpecker/mt-relay/internal/processing"
)

// dumpSnapshot prints a published snapshot, one row per lookback slot. Offsets
// and sensor names come from cfg when its shape matches the file.
func dumpSnapshot(out io.Writer, path string, cfg *config.Config) error {
	rec, err := npy.ReadFile(path)
	if err != nil {
		return err
	}

	offsets := cfg.Offsets()
	named := len(offsets) == rec.Rows && len(cfg.Sensors) == rec.Cols

	fmt.Fprintf(out, "snapshot %s written %s\n", path, time.Unix(int64(rec.Seconds()), 0).UTC().Format(time.RFC3339))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "slot\toffset")
	for c := 0; c < rec.Cols; c++ {
		if named {
			fmt.Fprintf(tw, "\t%s", cfg.Sensors[c])
		} else {
			fmt.Fprintf(tw, "\tsensor%d", c)
		}
	}
	fmt.Fprintln(tw)

	for i := 0; i < rec.Rows; i++ {
		offset := "?"
		if named {
			offset = offsets[i].String()
		}
		fmt.Fprintf(tw, "%d\t%s", i, offset)
		for _, raw := range rec.Row(i) {
			if raw == processing.Sentinel {
				fmt.Fprint(tw, "\t-")
				continue
			}
			fmt.Fprintf(tw, "\t%.2f C", processing.RawToCelsius(raw))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
