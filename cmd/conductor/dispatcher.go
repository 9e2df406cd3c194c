package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/dispatch"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Show the seat dispatcher",
	Args:  cobra.NoArgs,
	RunE:  runDispatcherStatus,
}

var dispatcherEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Resume automatic admissions",
	Args:  cobra.NoArgs,
	RunE:  runDispatcherToggle("enable"),
}

var dispatcherDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop automatic admissions; running work is untouched",
	Args:  cobra.NoArgs,
	RunE:  runDispatcherToggle("disable"),
}

var dispatcherSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the seat budget",
	Args:  cobra.NoArgs,
	RunE:  runDispatcherSet,
}

var (
	setMaxConcurrent   int
	setReservedSlots   int
	setAutoDispatchMax int
	setCooldownMs      int
)

func init() {
	dispatcherCmd.AddCommand(dispatcherEnableCmd, dispatcherDisableCmd, dispatcherSetCmd)

	f := dispatcherSetCmd.Flags()
	f.IntVar(&setMaxConcurrent, "max-concurrent", 0, "Physical seat ceiling")
	f.IntVar(&setReservedSlots, "reserved-slots", 0, "Seats kept free for manual runs")
	f.IntVar(&setAutoDispatchMax, "auto-dispatch-max", 0, "Seats the dispatcher may fill")
	f.IntVar(&setCooldownMs, "cooldown-ms", 0, "Minimum gap between admissions")
}

func runDispatcherStatus(cmd *cobra.Command, args []string) error {
	var st dispatch.Status
	if err := apiGet("/v1/dispatcher", &st); err != nil {
		return err
	}
	printDispatcherStatus(cmd.OutOrStdout(), st)
	return nil
}

func printDispatcherStatus(out io.Writer, st dispatch.Status) {
	state := "enabled"
	if !st.Enabled {
		state = "disabled"
	}
	fmt.Fprintf(out, "State:      %s (loop running: %t)\n", state, st.LoopRunning)
	fmt.Fprintf(out, "Seats:      %d/%d auto, %d/%d physical, %d reserved\n",
		st.OccupiedSeats, st.Config.AutoDispatchMax, st.PhysicalSeats, st.Config.MaxConcurrent, st.ReservedSeats)
	fmt.Fprintf(out, "Cooldown:   %s\n", st.Config.Cooldown())
	if st.BackoffUntil != nil {
		fmt.Fprintf(out, "Backoff:    until %s\n", st.BackoffUntil.Format(time.RFC3339))
	}
	if d := st.LastDispatch; d != nil {
		result := "accepted"
		if !d.Success {
			result = "rejected: " + d.Error
		}
		fmt.Fprintf(out, "Last:       %s %q at %s, %s\n", d.TaskID, d.TaskTitle, d.DispatchedAt.Format(time.RFC3339), result)
	}
}

func runDispatcherToggle(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var st dispatch.Status
		if err := apiSend(http.MethodPost, "/v1/dispatcher/"+action, nil, &st); err != nil {
			return err
		}
		printDispatcherStatus(cmd.OutOrStdout(), st)
		return nil
	}
}

func runDispatcherSet(cmd *cobra.Command, args []string) error {
	body := changedInts(cmd, map[string]*int{
		"max-concurrent":    &setMaxConcurrent,
		"reserved-slots":    &setReservedSlots,
		"auto-dispatch-max": &setAutoDispatchMax,
		"cooldown-ms":       &setCooldownMs,
	}, map[string]string{
		"max-concurrent":    "max_concurrent",
		"reserved-slots":    "reserved_slots",
		"auto-dispatch-max": "auto_dispatch_max",
		"cooldown-ms":       "dispatch_cooldown_ms",
	})
	if len(body) == 0 {
		return errors.New("nothing to change")
	}
	var st dispatch.Status
	if err := apiSend(http.MethodPut, "/v1/dispatcher/config", body, &st); err != nil {
		return err
	}
	printDispatcherStatus(cmd.OutOrStdout(), st)
	return nil
}

// changedInts collects the flags the user set, keyed by their JSON name,
// so the server only updates those.
func changedInts(cmd *cobra.Command, flags map[string]*int, keys map[string]string) map[string]int {
	body := make(map[string]int)
	for name, v := range flags {
		if cmd.Flags().Changed(name) {
			body[keys[name]] = *v
		}
	}
	return body
}
