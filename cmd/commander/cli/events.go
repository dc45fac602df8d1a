package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit trail, newest first",
	Long: `Show recent lifecycle events: sessions started, stopped and errored,
tasks filed and task runs kicked off. The trail is append-only and lives
in the broker database.`,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "events to show")
}

func runEvents(_ *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.RecentEvents(eventsLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tACTOR\tSUBJECT\tDATA")
	for _, e := range events {
		actor, subject := "-", "-"
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		if e.SubjectID != nil {
			subject = *e.SubjectID
		}
		data := e.Data
		if data == "{}" {
			data = ""
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, actor, subject, data)
	}
	return w.Flush()
}
