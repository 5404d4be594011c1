package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strongdm/berth/internal/container"
	"github.com/strongdm/berth/internal/gateway"
	"github.com/strongdm/berth/internal/listen"
	"github.com/strongdm/berth/internal/openflag"
	"github.com/strongdm/berth/internal/orchestrator"
)

func newStartCommand(env *environment, flags *globalFlags) *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Set up, launch and wait for the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, true, true, func(ctx context.Context, a *app) error {
				orch := a.orchestrator()
				defer orch.Close()

				r := newStepRenderer(env.out)
				if err := r.follow(orch, func() error { return orch.Start(ctx) }); err != nil {
					return err
				}
				snap := orch.Snapshot()
				r.summary(snap)
				if snap.State == orchestrator.Error {
					return &ExitCodeError{code: 1}
				}
				if (open || openflag.Enabled()) && snap.AccessURL != "" {
					if err := listen.OpenURL(ctx, a.exec, env.goos, snap.AccessURL); err != nil {
						a.logger.Warn("open dashboard failed", "event", "cli.open.error", "error", err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "open the dashboard in a browser once running (also BERTH_OPEN=1)")
	return cmd
}

func newStopCommand(env *environment, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the gateway container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stop does not take the lock so it can interrupt a running start.
			return withApp(cmd, env, flags, false, false, func(ctx context.Context, a *app) error {
				orch := a.orchestrator()
				defer orch.Close()
				r := newStepRenderer(env.out)
				_ = r.follow(orch, func() error {
					orch.StopContainer(ctx)
					return nil
				})
				r.summary(orch.Snapshot())
				return nil
			})
		},
	}
}

func newRestartCommand(env *environment, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the gateway container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, true, false, func(ctx context.Context, a *app) error {
				orch := a.orchestrator()
				defer orch.Close()
				r := newStepRenderer(env.out)
				if err := r.follow(orch, func() error { return orch.RestartContainer(ctx) }); err != nil {
					return err
				}
				snap := orch.Snapshot()
				r.summary(snap)
				if snap.State == orchestrator.Error {
					return &ExitCodeError{code: 1}
				}
				return nil
			})
		},
	}
}

func newResetCommand(env *environment, flags *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove the container and delete the state directory",
		Long: `reset force-removes the gateway container and deletes the state directory,
including the gateway token and any stored login. The next start generates a
new token. Launch history is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, true, false, func(ctx context.Context, a *app) error {
				if !yes {
					ok, err := confirm(env.in, env.out, fmt.Sprintf("Remove container %q and delete %s?", a.cfg.Container.Name, a.dir.Root))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(env.out, "Aborted.")
						return nil
					}
				}
				orch := a.orchestrator()
				defer orch.Close()
				r := newStepRenderer(env.out)
				if err := r.follow(orch, func() error { return orch.ResetEverything(ctx) }); err != nil {
					return err
				}
				snap := orch.Snapshot()
				r.summary(snap)
				if snap.State == orchestrator.Error {
					return &ExitCodeError{code: 1}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// confirm asks a yes/no question on out and reads the answer from in.
// Anything but y/yes is no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

type statusReport struct {
	Container    string          `json:"container"`
	State        string          `json:"state"`
	Image        string          `json:"image"`
	StateDir     string          `json:"state_dir"`
	Uptime       string          `json:"uptime,omitempty"`
	AccessURL    string          `json:"access_url,omitempty"`
	Gateway      *gateway.Status `json:"gateway,omitempty"`
	GatewayError string          `json:"gateway_error,omitempty"`
	EngineError  string          `json:"engine_error,omitempty"`
}

func newStatusCommand(env *environment, flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show container and gateway status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, false, false, func(ctx context.Context, a *app) error {
				rep := collectStatus(ctx, a, time.Now())
				if asJSON {
					enc := json.NewEncoder(env.out)
					enc.SetIndent("", "  ")
					return enc.Encode(rep)
				}
				printStatus(newStepRenderer(env.out), rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func collectStatus(ctx context.Context, a *app, now time.Time) statusReport {
	rep := statusReport{
		Container: a.cfg.Container.Name,
		Image:     a.cfg.Image.Ref,
		StateDir:  a.dir.Root,
	}
	st, err := a.container.Inspect(ctx)
	if err != nil {
		rep.State = "unknown"
		rep.EngineError = err.Error()
		return rep
	}
	rep.State = string(st)
	if st != container.Running {
		return rep
	}
	if started, err := a.container.StartedAt(ctx); err == nil {
		rep.Uptime = orchestrator.FormatUptime(now.Sub(started))
	}
	if tok := a.dir.Token(); tok != "" {
		rep.AccessURL = orchestrator.AccessURL(a.port, tok)
	}
	pollCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if gs, err := a.gateway.Status(pollCtx); err != nil {
		rep.GatewayError = err.Error()
	} else {
		rep.Gateway = &gs
	}
	return rep
}

func printStatus(r *stepRenderer, rep statusReport) {
	rows := [][]string{
		{"container", rep.Container},
		{"state", rep.State},
		{"image", rep.Image},
		{"state dir", rep.StateDir},
	}
	if rep.Uptime != "" {
		rows = append(rows, []string{"uptime", rep.Uptime})
	}
	if rep.AccessURL != "" {
		rows = append(rows, []string{"dashboard", rep.AccessURL})
	}
	switch {
	case rep.Gateway != nil && rep.Gateway.UptimeKnown():
		rows = append(rows, []string{"gateway", "up " + orchestrator.FormatUptime(time.Duration(*rep.Gateway.Uptime)*time.Second)})
	case rep.Gateway != nil:
		rows = append(rows, []string{"gateway", "reachable"})
	case rep.GatewayError != "":
		rows = append(rows, []string{"gateway", "unreachable: " + rep.GatewayError})
	}
	if rep.EngineError != "" {
		rows = append(rows, []string{"engine", rep.EngineError})
	}
	r.table([]string{"FIELD", "VALUE"}, rows)
}

func newTokenCommand(env *environment, flags *globalFlags) *cobra.Command {
	var asURL bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the gateway token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, false, false, func(ctx context.Context, a *app) error {
				tok := a.dir.Token()
				if tok == "" {
					return fmt.Errorf("no gateway token in %s; run 'berth start' first", a.dir.Root)
				}
				if asURL {
					fmt.Fprintln(env.out, orchestrator.AccessURL(a.port, tok))
					return nil
				}
				fmt.Fprintln(env.out, tok)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asURL, "url", false, "print the dashboard URL instead")
	return cmd
}

func newLogsCommand(env *environment, flags *globalFlags) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the gateway container's output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, false, false, func(ctx context.Context, a *app) error {
				out, err := a.container.Logs(ctx, tail)
				if err != nil {
					return err
				}
				_, err = io.WriteString(env.out, out)
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 200, "number of lines (0 for all)")
	return cmd
}

func newHistoryCommand(env *environment, flags *globalFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [cycle-id]",
		Short: "List recent launch cycles, or show one cycle's steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, false, false, func(ctx context.Context, a *app) error {
				if a.history == nil {
					return errors.New("history is disabled")
				}
				enc := json.NewEncoder(env.out)
				enc.SetIndent("", "  ")
				r := newStepRenderer(env.out)

				if len(args) == 1 {
					c, err := a.history.Get(ctx, args[0])
					if err != nil {
						return fmt.Errorf("cycle %s: %w", args[0], err)
					}
					if asJSON {
						return enc.Encode(c)
					}
					fmt.Fprintf(env.out, "%s %s %s (%s)\n", c.ID, c.Operation, c.State, c.StartedAt.Local().Format(time.DateTime))
					for _, s := range c.Steps {
						fmt.Fprintln(env.out, r.formatStep(orchestrator.Step{ID: s.ID, Status: orchestrator.Status(s.Status), Message: s.Message, At: s.At}))
					}
					return nil
				}

				cycles, err := a.history.Recent(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return enc.Encode(cycles)
				}
				if len(cycles) == 0 {
					fmt.Fprintln(env.out, "No cycles recorded yet.")
					return nil
				}
				rows := make([][]string, 0, len(cycles))
				for _, c := range cycles {
					rows = append(rows, []string{
						c.ID,
						c.StartedAt.Local().Format(time.DateTime),
						c.Operation,
						c.State,
						strconv.FormatFloat(c.FinishedAt.Sub(c.StartedAt).Seconds(), 'f', 1, 64) + "s",
						strings.Join(c.Warnings, ","),
					})
				}
				r.table([]string{"ID", "STARTED", "OP", "STATE", "TOOK", "WARNINGS"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
