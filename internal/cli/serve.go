package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/strongdm/berth/internal/httpserver"
	"github.com/strongdm/berth/internal/listen"
	"github.com/strongdm/berth/internal/openflag"
	"github.com/strongdm/berth/internal/orchestrator"
	"github.com/strongdm/berth/internal/websocket"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(env *environment, flags *globalFlags) *cobra.Command {
	var (
		addr     string
		startNow bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and push progress over a websocket",
		Long: `serve keeps one orchestrator alive behind a loopback HTTP API:

  GET  /api/state      current snapshot
  POST /api/start      start|stop|restart|reset (add ?wait=1 to block)
  GET  /api/ws         websocket; first frame is the current snapshot
  GET  /api/history    recent cycles
  GET  /healthz

The state directory stays locked while serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, env, flags, true, false, func(ctx context.Context, a *app) error {
				raw := a.cfg.Server.Listen
				if cmd.Flags().Changed("listen") {
					raw = addr
				}
				lc, err := listen.Parse(raw)
				if err != nil {
					return err
				}
				if lc.Disable {
					return errors.New("serve needs a listen address")
				}
				if !lc.Loopback() {
					a.logger.Warn("control API reachable beyond loopback", "event", "cli.serve.exposed", "addr", lc.Address())
				}

				orch := a.orchestrator()
				defer orch.Close()
				return serve(ctx, a, orch, lc, startNow)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (default from config, 127.0.0.1:18790)")
	cmd.Flags().BoolVar(&startNow, "start", false, "start the gateway immediately")
	return cmd
}

func serve(ctx context.Context, a *app, orch *orchestrator.Orchestrator, lc listen.Config, startNow bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := websocket.NewHub(websocket.Options{
		Logger:       a.logger,
		BufferSize:   64,
		InitialEvent: httpserver.EventSnapshot,
		Initial:      func() any { return orch.Snapshot() },
	})
	opts := httpserver.Options{Logger: a.logger, Hub: hub, Metrics: a.telemetry}
	if a.history != nil {
		opts.History = a.history
	}
	api := httpserver.NewAPI(orch, opts)

	ln, err := net.Listen("tcp", lc.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", lc.Address(), err)
	}
	srv := httpserver.NewWebServer(lc.Address(), api.Handler())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		api.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	a.logger.Info("control API listening", "event", "cli.serve.listen", "addr", lc.Address())
	fmt.Fprintf(a.env.out, "Control API listening on %s\n", lc.DisplayURL())

	if startNow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.Start(ctx); err != nil {
				a.logger.Warn("start failed", "event", "cli.serve.start.error", "error", err)
				return
			}
			snap := orch.Snapshot()
			if snap.State == orchestrator.Running && snap.AccessURL != "" && openflag.Enabled() {
				if err := listen.OpenURL(ctx, a.exec, a.env.goos, snap.AccessURL); err != nil {
					a.logger.Warn("open dashboard failed", "event", "cli.open.error", "error", err)
				}
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	cancel()
	wg.Wait()
	return runErr
}
