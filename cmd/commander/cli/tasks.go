package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/falleco/open-commander/internal/store"
)

var (
	tasksServer string
	tasksKey    string
	tasksStatus string
	tasksLimit  int

	taskAgent      string
	taskRepository string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "File and list delegated tasks",
	Long: `File and list tasks through the broker's task API. The broker must be
running; tasks handed to an agent start a headless session immediately.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTasksList,
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <body>...",
	Short: "File a task, optionally handing it straight to an agent",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksAdd,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.PersistentFlags().StringVar(&tasksServer, "server", "", "broker base URL (default http://127.0.0.1:<front door port>)")
	tasksCmd.PersistentFlags().StringVar(&tasksKey, "key", "", "API key (default: the stashed bootstrap key)")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status (todo, doing, done, canceled)")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 50, "page size")
	tasksAddCmd.Flags().StringVar(&taskAgent, "agent", "", "agent id from config to run the task")
	tasksAddCmd.Flags().StringVar(&taskRepository, "repository", "", `GitHub "owner/name" to clone into the agent's workspace`)
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	path := "/api/tasks?limit=" + strconv.Itoa(tasksLimit)
	if tasksStatus != "" {
		path += "&status=" + url.QueryEscape(tasksStatus)
	}

	var page struct {
		Tasks      []*store.Task `json:"tasks"`
		Pagination struct {
			Total   int  `json:"total"`
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
	}
	if err := apiRequest(cmd.Context(), http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	if len(page.Tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tCREATED\tTITLE")
	for _, task := range page.Tasks {
		agent := "-"
		if task.AgentID != nil {
			agent = *task.AgentID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Status, agent, formatAge(task.CreatedAt), task.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if page.Pagination.HasMore {
		fmt.Printf("Showing %d of %d tasks.\n", len(page.Tasks), page.Pagination.Total)
	}
	return nil
}

func runTasksAdd(cmd *cobra.Command, args []string) error {
	req := map[string]string{"body": strings.Join(args, " ")}
	if taskAgent != "" {
		req["agentId"] = taskAgent
	}
	if taskRepository != "" {
		req["repository"] = taskRepository
	}

	var created struct {
		Task      *store.Task      `json:"task"`
		Execution *store.Execution `json:"execution"`
	}
	if err := apiRequest(cmd.Context(), http.MethodPost, "/api/tasks", req, &created); err != nil {
		return err
	}

	fmt.Printf("Task %s filed (%s).\n", created.Task.ID, created.Task.Status)
	if created.Execution != nil {
		fmt.Printf("Execution %s queued.\n", created.Execution.ID)
	}
	return nil
}
