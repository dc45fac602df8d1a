package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/ingress"
	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/mounts"
	"github.com/falleco/open-commander/internal/session"
	"github.com/falleco/open-commander/internal/store"
	"github.com/falleco/open-commander/internal/ui"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect, stop and delete terminal sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session's container",
	Long: `Stop a session's container and remove its ingress helpers. The session
row stays in the database; reopening the session in the browser starts a
fresh container on the same workspace.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsStop,
}

var sessionsDeleteYes bool

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Stop a session and remove its record",
	Long: `Stop a session's container and delete the session from the broker
database, along with its recorded port mappings. A session with forked or
stacked children is refused unless --yes acknowledges detaching them; the
children keep running as independent sessions.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsDelete,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsDeleteCmd.Flags().BoolVar(&sessionsDeleteYes, "yes", false,
		"detach child sessions instead of refusing")
}

func runSessionsList(_ *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.AllSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	projectNames := map[string]string{}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROJECT\tSTATUS\tPORTS\tCREATED")
	for _, sess := range sessions {
		project := "-"
		if sess.ProjectID != nil {
			name, ok := projectNames[*sess.ProjectID]
			if !ok {
				name = *sess.ProjectID
				if p, err := st.ProjectByID(*sess.ProjectID); err == nil {
					name = p.Name
				}
				projectNames[*sess.ProjectID] = name
			}
			project = name
		}

		ports := "-"
		if mappings, err := st.PortMappingsBySession(sess.ID); err == nil && len(mappings) > 0 {
			pairs := make([]string, len(mappings))
			for i, m := range mappings {
				pairs[i] = fmt.Sprintf("%d:%d", m.HostPort, m.ContainerPort)
			}
			ports = strings.Join(pairs, ",")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			sess.ID, sess.Name, project, sess.Status, ports, formatAge(sess.CreatedAt))
	}
	return w.Flush()
}

// sessionService builds a session service against the live Docker engine.
// The returned closer shuts the engine client down.
func sessionService(st *store.Store) (*session.Service, func(), error) {
	driver, err := docker.New()
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to docker: %w", err)
	}
	// Stop and delete never plan mounts, so the planner only needs the paths.
	planner := &mounts.Planner{
		StateRoot:     cfg.Paths.StateRoot,
		WorkspaceRoot: cfg.Paths.WorkspaceRoot,
	}
	cleaner := &ingress.DriverCleaner{Driver: driver, Store: st}
	svc := session.New(st, driver, planner, broadcast.NewHub(), cleaner, cfg)
	return svc, func() { driver.Close() }, nil
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.SessionByID(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no session %s", sessionID)
		}
		return err
	}

	svc, done, err := sessionService(st)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.Stop(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	if res.Err != "" {
		ui.Warnf("container %s: %s", res.ContainerName, res.Err)
	}
	if res.Removed {
		fmt.Printf("Stopped %s (container %s removed).\n", sessionID, res.ContainerName)
	} else {
		fmt.Printf("Session %s marked stopped; container %s was already gone.\n", sessionID, res.ContainerName)
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.SessionByID(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no session %s", sessionID)
		}
		return err
	}

	children, err := st.ChildCount(sessionID)
	if err != nil {
		return err
	}
	if children > 0 && !sessionsDeleteYes {
		return fmt.Errorf("session %s has %d forked or stacked sessions; re-run with --yes to detach them",
			sessionID, children)
	}

	svc, done, err := sessionService(st)
	if err != nil {
		return err
	}
	defer done()

	res, err := svc.Stop(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	if res.Err != "" {
		ui.Warnf("container %s: %s", res.ContainerName, res.Err)
	}

	if children > 0 {
		if err := st.DetachChildren(sessionID); err != nil {
			return err
		}
	}
	if err := st.DeleteSession(sessionID); err != nil {
		return err
	}
	if _, err := st.AppendEvent("session.deleted", nil, &sessionID, nil); err != nil {
		log.Debug("appending event", "type", "session.deleted", "error", err)
	}

	if children > 0 {
		fmt.Printf("Deleted %s; %d child sessions detached.\n", sessionID, children)
	} else {
		fmt.Printf("Deleted %s.\n", sessionID)
	}
	return nil
}
