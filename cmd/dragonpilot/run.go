package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/pkg/mission"
)

func runCmd(g *globals) *cobra.Command {
	var (
		asJSON      bool
		waitTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <mission-file>",
		Short: "Run one mission file to completion",
		Long: `Run a YAML or JSON mission file against the configured vehicle and print
progress as each step is dispatched and verified. Ctrl-C cancels the plan and
issues the current step's stop action.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := mission.LoadPlan(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPlan(ctx, g, plan, asJSON, waitTimeout)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the execution result as JSON")
	cmd.Flags().DurationVar(&waitTimeout, "telemetry-timeout", 15*time.Second, "how long to wait for first telemetry")
	return cmd
}

func runPlan(ctx context.Context, g *globals, plan *dragonpilot.MissionPlan, asJSON bool, waitTimeout time.Duration) error {
	a, err := newApp(g.cfg, g.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	linkCtx, stopLink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLink()
	go func() { _ = a.link.Run(linkCtx) }()

	if err := a.waitForTelemetry(ctx, waitTimeout); err != nil {
		return err
	}

	if !asJSON {
		types := append(append([]eventbus.EventType{}, eventbus.StepEvents...), eventbus.PlanEvents...)
		types = append(types, eventbus.EventStopActionIssued, eventbus.EventStopActionFailed,
			eventbus.EventCompleteActionIssued, eventbus.EventCompleteActionFailed)
		if _, err := a.bus.Subscribe(types, printProgress); err != nil {
			return err
		}
	}

	result, runErr := a.engine.InvokePlan(ctx, plan)
	if result == nil {
		return runErr
	}
	// Let the bus drain so progress lines come before the summary.
	_ = a.bus.Close()

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printSummary(result)
	}
	return runErr
}

func printProgress(_ context.Context, evt eventbus.Event) error {
	u, ok := evt.Payload().(dragonpilot.ProgressUpdate)
	if !ok {
		return nil
	}
	stamp := color.New(color.Faint).Sprint(u.Time.Format("15:04:05"))
	var line string
	switch u.To {
	case dragonpilot.StepCompleted:
		line = color.GreenString("✓ %s", u.Message)
	case dragonpilot.StepFailed, dragonpilot.StepTimedOut, dragonpilot.StepImpossible, dragonpilot.StepAborted:
		line = color.RedString("✗ %s", u.Message)
	case "":
		line = color.CyanString("» %s", u.Message)
	default:
		line = color.YellowString("… %s", u.Message)
	}
	fmt.Printf("%s %s\n", stamp, line)
	return nil
}

func printSummary(r *dragonpilot.ExecutionResult) {
	status := color.GreenString(string(r.Status))
	if r.Status != dragonpilot.PlanCompleted {
		status = color.RedString(string(r.Status))
	}
	fmt.Printf("\n%s %s\n", color.New(color.Bold).Sprint("mission"), status)
	for _, s := range r.Steps {
		mark := color.GreenString("✓")
		switch s.Status {
		case dragonpilot.StepPending:
			mark = color.New(color.Faint).Sprint("·")
		case dragonpilot.StepCompleted:
		default:
			mark = color.RedString("✗")
		}
		detail := s.Reason
		if detail == "" {
			detail = s.Error
		}
		fmt.Printf("  %s %d. %-18s %-10s %8s  %s\n", mark, s.Index+1, s.Tool, s.Status,
			s.Elapsed.Round(time.Millisecond), detail)
	}
	fmt.Println(r.Summary())
}
