package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ckzm/orchard/internal/config"
	"github.com/ckzm/orchard/internal/ledger"
	"github.com/ckzm/orchard/pkg/models"
)

var statusConfigPath string

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task state from the ledger",
	Long: `Display the state of tasks recorded in the ledger.

With no arguments, lists every known task and its status. With a task id,
shows the per-subtask breakdown reconstructed from the transition log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusConfigPath, "config", "", "Config file path (skips config discovery)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if statusConfigPath != "" {
		cfg, err = config.LoadFromPath(statusConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ledgerPath := cfg.Ledger.Path
	if ledgerPath == "" {
		ledgerPath = ledger.DefaultPath()
	}
	if _, err := os.Stat(ledgerPath); os.IsNotExist(err) {
		fmt.Println("No ledger yet. Run 'orchard run <plan.yaml>' to start.")
		return nil
	}

	lg, err := ledger.Open(ledgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer lg.Close()

	if len(args) == 1 {
		return showTask(lg, args[0])
	}
	return listTasks(lg)
}

func listTasks(lg ledger.Ledger) error {
	ids, err := lg.TaskIDs()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No tasks recorded.")
		return nil
	}

	for _, id := range ids {
		state, err := ledger.ReplayTask(lg, id)
		if err != nil {
			return fmt.Errorf("replay task %s: %w", id, err)
		}
		counts := make(map[models.SubtaskStatus]int)
		for _, st := range state.Subtasks {
			counts[st.Status]++
		}
		fmt.Printf("%s %s  %s  (%d/%d subtasks completed)\n",
			taskGlyph(state.Status), id, state.Status,
			counts[models.SubtaskCompleted], len(state.Subtasks))
	}
	return nil
}

func showTask(lg ledger.Ledger, taskID string) error {
	state, err := ledger.ReplayTask(lg, taskID)
	if err != nil {
		return fmt.Errorf("replay task %s: %w", taskID, err)
	}
	if len(state.Order) == 0 && state.Status == "" {
		return fmt.Errorf("no records for task %s", taskID)
	}

	fmt.Printf("Task %s: %s %s\n", taskID, taskGlyph(state.Status), state.Status)
	if state.Diagnostic != "" {
		fmt.Printf("  diagnostic: %s\n", state.Diagnostic)
	}
	for _, sid := range state.Order {
		st := state.Subtask(sid)
		line := fmt.Sprintf("%s  %s  %d resources", shortID(sid), st.Status, len(st.Resources))
		if st.WorkerID != "" {
			line += fmt.Sprintf("  worker %s", shortID(st.WorkerID))
		}
		if st.Oversized {
			line += "  [oversized]"
		}
		fmt.Printf("  %s %s\n", statusGlyph(string(st.Status)), line)
	}
	return nil
}

func taskGlyph(status models.TaskStatus) string {
	switch status {
	case models.TaskCompleted:
		return color.GreenString("✓")
	case models.TaskFailed:
		return color.RedString("✗")
	case models.TaskCancelled:
		return color.YellowString("⚠")
	default:
		return color.CyanString("·")
	}
}
