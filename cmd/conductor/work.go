package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/models"
)

var areasCmd = &cobra.Command{
	Use:   "areas",
	Short: "Show work areas, their lock holder and initiative progress",
	Args:  cobra.NoArgs,
	RunE:  runAreasList,
}

var areasAddCmd = &cobra.Command{
	Use:   "add [area-id]",
	Short: "Create a work area or change its priority",
	Args:  cobra.ExactArgs(1),
	RunE:  runAreasAdd,
}

var initiativesCmd = &cobra.Command{
	Use:   "initiatives",
	Short: "Manage initiatives",
}

var initiativesAddCmd = &cobra.Command{
	Use:   "add [area-id]",
	Short: "Create an initiative in an area",
	Args:  cobra.ExactArgs(1),
	RunE:  runInitiativesAdd,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage queued tasks",
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [initiative-id]",
	Short: "Queue a task under an initiative",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksAdd,
}

var (
	areaPriority    int
	initiativeID    string
	initiativeTitle string
	taskID          string
	taskTitle       string
)

func init() {
	areasCmd.AddCommand(areasAddCmd)
	areasAddCmd.Flags().IntVar(&areaPriority, "priority", 0, "Area priority; higher is dispatched first")

	initiativesCmd.AddCommand(initiativesAddCmd)
	initiativesAddCmd.Flags().StringVar(&initiativeID, "id", "", "Initiative ID (generated when empty)")
	initiativesAddCmd.Flags().StringVar(&initiativeTitle, "title", "", "Initiative title")

	tasksCmd.AddCommand(tasksAddCmd)
	tasksAddCmd.Flags().StringVar(&taskID, "id", "", "Task ID (generated when empty)")
	tasksAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	tasksAddCmd.MarkFlagRequired("title")
}

func runAreasList(cmd *cobra.Command, args []string) error {
	var streams []models.WorkStream
	if err := apiGet("/v1/areas", &streams); err != nil {
		return err
	}
	printWorkStreams(cmd.OutOrStdout(), streams)
	return nil
}

func printWorkStreams(out io.Writer, streams []models.WorkStream) {
	if len(streams) == 0 {
		fmt.Fprintln(out, "No work areas")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AREA\tPRIORITY\tINITIATIVE\tLOCK\tQUEUED\tIN PROGRESS\tCOMPLETED")
	for _, ws := range streams {
		if len(ws.Initiatives) == 0 {
			fmt.Fprintf(w, "%s\t%d\t-\t-\t0\t0\t0\n", ws.Area.AreaID, ws.Area.Priority)
			continue
		}
		for _, in := range ws.Initiatives {
			lock := ""
			if ws.Lock != nil && ws.Lock.InitiativeID == in.InitiativeID {
				lock = string(ws.Lock.Reason)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\n",
				ws.Area.AreaID, ws.Area.Priority, truncate(in.InitiativeID, 24), lock, in.Queued, in.InProgress, in.Completed)
		}
	}
	w.Flush()
}

func runAreasAdd(cmd *cobra.Command, args []string) error {
	var area models.WorkArea
	body := map[string]interface{}{"area_id": args[0], "priority": areaPriority}
	if err := apiSend(http.MethodPost, "/v1/areas", body, &area); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Area %s (priority %d)\n", area.AreaID, area.Priority)
	return nil
}

func runInitiativesAdd(cmd *cobra.Command, args []string) error {
	var in models.Initiative
	body := map[string]string{"area_id": args[0], "initiative_id": initiativeID, "title": initiativeTitle}
	if err := apiSend(http.MethodPost, "/v1/initiatives", body, &in); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created initiative: %s\n", in.InitiativeID)
	return nil
}

func runTasksAdd(cmd *cobra.Command, args []string) error {
	var task models.Task
	body := map[string]string{"initiative_id": args[0], "task_id": taskID, "title": taskTitle}
	if err := apiSend(http.MethodPost, "/v1/tasks", body, &task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued task: %s\n", task.TaskID)
	return nil
}
