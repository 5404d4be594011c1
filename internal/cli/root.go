// Package cli implements the berth command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build metadata for --version.
func SetVersion(v, c, d string) {
	if v != "" {
		version = v
	}
	if c != "" {
		commit = c
	}
	if d != "" {
		buildDate = d
	}
}

// ExitCodeError carries a process exit status without printing an error.
type ExitCodeError struct {
	code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exited with code %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

// Main runs the CLI with args (os.Args when empty).
func Main(args []string) error {
	if len(args) == 0 {
		args = os.Args
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(defaultEnvironment())
	root.SetArgs(args[1:])
	return root.ExecuteContext(ctx)
}

func versionString() string {
	short := commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("version: %s\ngit hash: %s\nbuild date: %s\n", version, short, buildDate)
}

func newRootCommand(env *environment) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "berth",
		Short: "Launch and supervise the sandboxed gateway container",
		Long: `berth prepares a private state directory, makes sure a container engine is
installed and running, pulls the gateway image and runs it in a locked-down
container bound to loopback, then waits for the gateway to answer.

Every stage is reported as it happens. Failures end in a single actionable
message; a cached image or a slow gateway are reported as warnings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetIn(env.in)
	root.SetOut(env.out)
	root.SetErr(env.err)
	root.SetVersionTemplate(versionString())

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default is $BERTH_HOME/config.toml or ~/.config/berth/config.toml)")
	pf.BoolVarP(&flags.verbose, "verbose", "V", false, "log debug output to stderr")
	pf.StringVar(&flags.stateDir, "state-dir", "", "state directory (default ~/.berth)")
	pf.StringVar(&flags.image, "image", "", "gateway image reference")
	pf.IntVarP(&flags.port, "port", "p", 0, "gateway port published on 127.0.0.1")
	pf.StringVar(&flags.engine, "engine", "", "container engine binary (docker or podman)")
	pf.StringArrayVarP(&flags.env, "env", "e", nil, "extra container environment variable KEY=VALUE (repeatable)")

	root.AddCommand(
		newStartCommand(env, flags),
		newStopCommand(env, flags),
		newRestartCommand(env, flags),
		newResetCommand(env, flags),
		newStatusCommand(env, flags),
		newTokenCommand(env, flags),
		newLogsCommand(env, flags),
		newHistoryCommand(env, flags),
		newAuthCommand(env, flags),
		newServeCommand(env, flags),
	)
	return root
}

// withApp wires an app for the command, closing it afterwards. lock takes the
// state directory lock first.
func withApp(cmd *cobra.Command, env *environment, flags *globalFlags, lock, interactive bool, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, env, flags, interactive)
	if err != nil {
		return err
	}
	if lock {
		if err := a.acquireLock(); err != nil {
			return errors.Join(err, a.close(context.WithoutCancel(ctx)))
		}
	}
	runErr := fn(ctx, a)
	closeErr := a.close(context.WithoutCancel(ctx))
	if runErr != nil {
		if closeErr != nil {
			a.logger.Warn("cleanup failed", "event", "cli.close.error", "error", closeErr)
		}
		return runErr
	}
	return closeErr
}
