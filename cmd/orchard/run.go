package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ckzm/orchard/internal/config"
	"github.com/ckzm/orchard/internal/ledger"
	"github.com/ckzm/orchard/internal/orchestrator"
	"github.com/ckzm/orchard/internal/resource"
	"github.com/ckzm/orchard/internal/verify"
	"github.com/ckzm/orchard/internal/worker"
	"github.com/ckzm/orchard/pkg/models"
)

var (
	runConfigPath string
	runResume     bool
	runNoWatch    bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Plan and execute a task",
	Long: `Plan and execute the task described by a plan file.

The plan file lists the task's resources, their optional cost estimates, and
the dependency edges between them:

  description: migrate logging to the new interface
  resources:
    - id: internal/a.go
    - id: internal/b.go
      cost: 1200
  edges:
    - from: internal/a.go
      to: internal/b.go

Resources are file paths relative to the configured workspace. Progress is
streamed to stdout until the task reaches a terminal state.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Config file path (skips config discovery)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume unfinished tasks from the ledger first")
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "Do not warn about external workspace edits")
}

// planFile is the on-disk format accepted by `orchard run`.
type planFile struct {
	Description string `yaml:"description"`
	Resources   []struct {
		ID   string `yaml:"id"`
		Cost int64  `yaml:"cost"`
	} `yaml:"resources"`
	Edges []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"edges"`
}

func loadPlanFile(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var plan planFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if len(plan.Resources) == 0 {
		return nil, fmt.Errorf("plan file %s declares no resources", path)
	}
	return &plan, nil
}

func loadConfig() (*config.Config, error) {
	if runConfigPath != "" {
		return config.LoadFromPath(runConfigPath)
	}
	return config.Load()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Processor.Command == "" {
		return fmt.Errorf("no processor configured; set processor.command in the config")
	}

	plan, err := loadPlanFile(args[0])
	if err != nil {
		return err
	}

	resources := make([]models.Resource, len(plan.Resources))
	for i, r := range plan.Resources {
		resources[i] = models.Resource{ID: models.ResourceID(r.ID), Cost: r.Cost}
	}
	edges := make([]models.DependencyEdge, len(plan.Edges))
	for i, e := range plan.Edges {
		edges[i] = models.DependencyEdge{From: models.ResourceID(e.From), To: models.ResourceID(e.To)}
	}

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	ledgerPath := cfg.Ledger.Path
	if ledgerPath == "" {
		ledgerPath = ledger.DefaultPath()
	}
	lg, err := ledger.Open(ledgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer lg.Close()

	hooks := make([]verify.Hook, len(cfg.Hooks))
	for i, h := range cfg.Hooks {
		hooks[i] = verify.NewCommandHook(nil, h.Name, workspace, h.Command, h.Args...)
	}

	logger := orchestrator.NewDebugLoggerForWorkspace(workspace)
	defer logger.Close()

	provider := resource.NewTracked(resource.NewFS(workspace))

	orch, err := orchestrator.New(orchestrator.Config{
		Budget:    cfg.ToBudget(),
		Ledger:    lg,
		Provider:  provider,
		Processor: worker.NewCommandProcessor(nil, workspace, cfg.Processor.Command, cfg.Processor.Args...),
		Hooks:     hooks,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go streamEvents(orch.Events())

	if !runNoWatch {
		if watcher, werr := resource.NewWatcher(workspace); werr == nil {
			defer watcher.Close()
			go watcher.Run(ctx)
			go warnOnChanges(provider, watcher.Changes())
		}
	}

	if runResume {
		resumed, rerr := orch.Recover(ctx)
		if rerr != nil {
			return fmt.Errorf("resume: %w", rerr)
		}
		for _, id := range resumed {
			fmt.Printf("%s resumed task %s\n", color.CyanString("»"), id)
		}
	}

	receipt, err := orch.Submit(plan.Description, resources, edges)
	if err != nil {
		return err
	}
	fmt.Printf("%s planned task %s: %d resources in %d subtasks\n",
		color.CyanString("»"), receipt.TaskID, len(resources), len(receipt.SubtaskIDs))

	res, err := orch.Wait(ctx, receipt.TaskID)
	if err != nil {
		// Interrupted: cancel cooperatively and wait for sessions to stop at
		// their next resource boundary.
		fmt.Printf("\n%s interrupted, cancelling task %s\n", color.YellowString("⚠"), receipt.TaskID)
		if cerr := orch.Cancel(receipt.TaskID); cerr != nil {
			return cerr
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err = orch.Wait(drainCtx, receipt.TaskID)
		if err != nil {
			return fmt.Errorf("waiting for cancellation: %w", err)
		}
	}

	return printResult(receipt.TaskID, res)
}

func printResult(taskID string, res *orchestrator.TaskResult) error {
	switch res.Status {
	case models.TaskCompleted:
		fmt.Printf("%s task %s completed: %d resources written\n",
			color.GreenString("✓"), taskID, len(res.Outputs))
		return nil
	case models.TaskCancelled:
		fmt.Printf("%s task %s cancelled\n", color.YellowString("⚠"), taskID)
		return nil
	default:
		fmt.Printf("%s task %s failed", color.RedString("✗"), taskID)
		if res.FailedHook != "" {
			fmt.Printf(" (hook %s)", res.FailedHook)
		}
		fmt.Println()
		if res.Diagnostic != "" {
			fmt.Println(res.Diagnostic)
		}
		return fmt.Errorf("task %s failed", taskID)
	}
}

// streamEvents prints the orchestrator's progress stream.
func streamEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		if ev.Type == orchestrator.EventTaskTransition {
			continue // terminal task state is printed by printResult
		}
		line := fmt.Sprintf("subtask %s → %s", shortID(ev.SubtaskID), ev.To)
		if ev.WorkerID != "" {
			line += fmt.Sprintf(" (worker %s)", shortID(ev.WorkerID))
		}
		if ev.Detail != "" {
			line += ": " + ev.Detail
		}
		fmt.Printf("  %s %s\n", statusGlyph(ev.To), line)
	}
}

func warnOnChanges(provider *resource.TrackedProvider, changes <-chan resource.Change) {
	for ch := range changes {
		// Workers write through the provider; only genuinely external edits
		// are worth a warning.
		if provider.WroteRecently(ch.Resource, 2*time.Second) {
			continue
		}
		fmt.Printf("%s external %s to %s during run\n",
			color.YellowString("⚠"), ch.Op, ch.Resource)
	}
}

func statusGlyph(status string) string {
	switch models.SubtaskStatus(status) {
	case models.SubtaskCompleted:
		return color.GreenString("✓")
	case models.SubtaskFailed:
		return color.RedString("✗")
	case models.SubtaskCancelled:
		return color.YellowString("⚠")
	default:
		return color.CyanString("·")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
