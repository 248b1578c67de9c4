package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcin-skalski/hydra/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the persistent event log",
}

var (
	eventsSince time.Duration
	eventsLimit int
	eventsType  string
	eventsJSON  bool
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var since time.Time
		if eventsSince > 0 {
			since = time.Now().Add(-eventsSince)
		}
		evs, err := a.eventLog.Load(since, 0)
		if err != nil {
			return err
		}
		evs = filterEvents(evs, events.EventType(eventsType), eventsLimit)

		out := cmd.OutOrStdout()
		if eventsJSON {
			enc := json.NewEncoder(out)
			for _, ev := range evs {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		}
		if len(evs) == 0 {
			fmt.Fprintln(out, "No events.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tTYPE\tDATA")
		for _, ev := range evs {
			data, _ := json.Marshal(ev.Data)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.ID, ev.Timestamp, ev.Type, data)
		}
		return w.Flush()
	},
}

var eventsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the event log if it exceeds the configured size",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		before, err := a.eventLog.Size()
		if err != nil {
			return err
		}
		if err := a.eventLog.Rotate(a.cfg.EventLogMaxBytes, a.cfg.EventLogMaxAgeDays); err != nil {
			return err
		}
		after, err := a.eventLog.Size()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Event log %s: %d -> %d bytes\n", a.eventLog.Path(), before, after)
		return nil
	},
}

// filterEvents keeps events of typ (all when empty), then the last limit.
func filterEvents(evs []events.Event, typ events.EventType, limit int) []events.Event {
	if typ != "" {
		kept := evs[:0:0]
		for _, ev := range evs {
			if ev.Type == typ {
				kept = append(kept, ev)
			}
		}
		evs = kept
	}
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return evs
}

func init() {
	eventsListCmd.Flags().DurationVar(&eventsSince, "since", 24*time.Hour, "only events newer than this (0 for all)")
	eventsListCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events (0 for all)")
	eventsListCmd.Flags().StringVar(&eventsType, "type", "", "only events of this type")
	eventsListCmd.Flags().BoolVar(&eventsJSON, "json", false, "print one JSON event per line")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsRotateCmd)
}
