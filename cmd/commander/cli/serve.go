package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/falleco/open-commander/internal/auth"
	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/frontdoor"
	"github.com/falleco/open-commander/internal/github"
	"github.com/falleco/open-commander/internal/httpapi"
	"github.com/falleco/open-commander/internal/ingress"
	"github.com/falleco/open-commander/internal/jobs"
	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/mounts"
	"github.com/falleco/open-commander/internal/presence"
	"github.com/falleco/open-commander/internal/secrets"
	"github.com/falleco/open-commander/internal/session"
	"github.com/falleco/open-commander/internal/store"
	"github.com/falleco/open-commander/internal/ui"
	"github.com/falleco/open-commander/internal/workspace"
	"github.com/falleco/open-commander/internal/wsproxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Run the broker: the public front door, the websocket proxy and the
task API, all on one state root. A second serve against the same state
root refuses to start.

Shutting down leaves session containers running; sessions are built to
be reattached.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Paths.StateRoot, 0o700); err != nil {
		return fmt.Errorf("creating state root: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}

	unlock, err := acquireLock(cfg.LockPath())
	if err != nil {
		return err
	}
	defer unlock()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	_, bootstrapKey, err := auth.Bootstrap(st)
	if err != nil {
		return fmt.Errorf("bootstrapping auth: %w", err)
	}
	if bootstrapKey != "" {
		ui.Infof("Created bootstrap API key: %s", bootstrapKey)
		ui.Info("Save it now, or recover it later with `commander keys show-bootstrap`.")
	}

	token, err := secrets.ResolveValue(ctx, cfg.GitHub.Token)
	if err != nil {
		return fmt.Errorf("resolving github token: %w", err)
	}

	driver, err := docker.New()
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer driver.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = driver.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("docker engine unreachable: %w", err)
	}

	var resolver auth.Resolver
	if cfg.Auth.Disabled {
		log.Warn("cookie auth disabled; every connection resolves to the first admin")
		resolver = &auth.DisabledResolver{Store: st}
	} else {
		secret, err := auth.LoadSigningSecret(cfg.Paths.StateRoot)
		if err != nil {
			return fmt.Errorf("loading signing secret: %w", err)
		}
		resolver = &auth.CookieResolver{Store: st, Secret: secret}
	}

	planner := &mounts.Planner{
		StateRoot:     cfg.Paths.StateRoot,
		WorkspaceRoot: cfg.Paths.WorkspaceRoot,
		CertsDir:      cfg.Docker.CertsDir,
		ProxyURL:      cfg.Proxy.URL,
		NoProxyHosts:  cfg.Proxy.NoProxy,
		DockerHost:    cfg.Docker.InnerHost,
		GitHubToken:   token,
		TerminalArgv:  cfg.Terminal.Argv,
		AgentIDs:      cfg.AgentIDs(),
	}

	hub := broadcast.NewHub()
	tracker := presence.NewTracker(hub)
	cleaner := &ingress.DriverCleaner{Driver: driver, Store: st}
	sessions := session.New(st, driver, planner, hub, cleaner, cfg)
	repos := workspace.NewService(cfg.Paths.WorkspaceRoot, token)
	runner := jobs.NewRunner(st, sessions, repos, 0, 0)

	proxy := wsproxy.New(resolver, st, hub, tracker, driver, cfg.Ports.Terminal)
	api := httpapi.New(st, &auth.KeyVerifier{Store: st}, runner, github.NewClient(token), cfg)

	appAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Ports.HTTP))
	wsAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Ports.WSProxy))
	frontAddr := ":" + strconv.Itoa(cfg.Ports.FrontDoor)

	appLn, err := net.Listen("tcp", appAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", appAddr, err)
	}
	wsLn, err := net.Listen("tcp", wsAddr)
	if err != nil {
		appLn.Close()
		return fmt.Errorf("listening on %s: %w", wsAddr, err)
	}
	frontLn, err := net.Listen("tcp", frontAddr)
	if err != nil {
		appLn.Close()
		wsLn.Close()
		return fmt.Errorf("listening on %s: %w", frontAddr, err)
	}

	appSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	wsSrv := &http.Server{Handler: proxy.Handler(), ReadHeaderTimeout: 10 * time.Second}
	front := frontdoor.New(wsAddr, appAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { tracker.Run(ctx); return nil })
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, appSrv, appLn) })
	g.Go(func() error { return serveHTTP(ctx, wsSrv, wsLn) })
	g.Go(func() error { return front.Serve(ctx, frontLn) })

	log.Info("broker started",
		"front_door", frontAddr, "http", appAddr, "ws_proxy", wsAddr,
		"db", cfg.DatabasePath())

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("broker stopped")
	return err
}

// serveHTTP serves srv on ln until ctx is done, then drains it.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener) error {
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		<-done
		return nil
	}
}

// acquireLock takes the exclusive broker flock, failing fast when another
// process holds it.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another broker already holds %s", path)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
