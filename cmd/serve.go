package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v3"

	"github.com/wolfwarden/wolfwarden/pkg/api"
	"github.com/wolfwarden/wolfwarden/pkg/config"
	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/ingest"
	"github.com/wolfwarden/wolfwarden/pkg/log"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
	"github.com/wolfwarden/wolfwarden/pkg/realtime"
	"github.com/wolfwarden/wolfwarden/pkg/upstream"
)

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Ingest host events and serve the streaming API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "rebuild",
				Usage: "Rebuild materialized state from the event log before serving",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.Bool("rebuild"))
		},
	}
}

// daemon bundles everything serve owns so a config reload can tear the old
// instance down and bring a new one up.
type daemon struct {
	cfg      *config.Config
	eventLog *eventlog.Log
	store    *projector.Store
	hub      *realtime.Hub
	server   *http.Server

	cancel context.CancelFunc
	done   chan struct{}
}

func serve(ctx context.Context, configPath string, rebuild bool) error {
	logger := log.ForService("serve")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	d, err := startDaemon(ctx, cfg, rebuild)
	if err != nil {
		return err
	}
	// d is reassigned on reload; the closure stops whichever instance is
	// current at shutdown.
	defer func() { d.stop() }()

	logger.Infof("listening on %s, upstream socket %s", cfg.BindAddr, cfg.Upstream.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("config file watcher unavailable: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warnf("closing config watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			logger.Warnf("watching config file %s: %v", configPath, err)
		} else {
			logger.Infof("watching config file for changes: %s", configPath)
		}
	}

	reload := func() {
		newCfg, err := config.Load(configPath)
		if err != nil {
			logger.Errorf("reload skipped, config invalid: %v", err)
			return
		}
		newDaemon, err := restartDaemon(ctx, d, newCfg)
		if err != nil {
			logger.Errorf("reload failed: %v", err)
			return
		}
		d = newDaemon
		logger.Infof("configuration reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Infof("received SIGHUP, reloading configuration")
				reload()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Infof("shutting down")
				return nil
			}

		case event, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			logger.Infof("config file changed (%s), reloading", event.Op)
			// Editors replace files atomically, so give the new file a
			// moment to land and re-register the watch.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					logger.Warnf("config file removed, skipping reload")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					logger.Warnf("re-watching config file: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}

func startDaemon(parent context.Context, cfg *config.Config, rebuild bool) (*daemon, error) {
	logger := log.ForService("serve")

	if err := os.MkdirAll(cfg.StorageDir, 0700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	eventLog, err := eventlog.Open(filepath.Join(cfg.StorageDir, "events.db"))
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	store, err := projector.OpenStore(filepath.Join(cfg.StorageDir, "state.db"))
	if err != nil {
		_ = eventLog.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	proj := projector.New(store)
	if rebuild {
		if err := proj.Rebuild(parent, eventLog); err != nil {
			_ = store.Close()
			_ = eventLog.Close()
			return nil, fmt.Errorf("rebuilding state: %w", err)
		}
	} else if err := catchUp(parent, proj, store, eventLog); err != nil {
		_ = store.Close()
		_ = eventLog.Close()
		return nil, fmt.Errorf("catching up state: %w", err)
	}

	hub := realtime.NewHub(cfg.SubscriberBuffer)

	channel := upstream.NewChannel(upstream.ChannelConfig{
		SocketPath:     cfg.Upstream.SocketPath,
		ConnectTimeout: cfg.Upstream.ConnectTimeout.Duration,
		ReadTimeout:    cfg.Upstream.ReadTimeout.Duration,
		RetryAttempts:  cfg.Upstream.RetryAttempts,
		RetryBaseDelay: cfg.Upstream.RetryBaseDelay.Duration,
		RetryMaxDelay:  cfg.Upstream.RetryMaxDelay.Duration,
	})
	reader := upstream.NewEventReader(channel, cfg.Upstream.EventsPath)
	proxy := upstream.NewProxy(channel, "/upstream")

	auth, err := buildAuthenticator(cfg)
	if err != nil {
		hub.CloseAll()
		_ = store.Close()
		_ = eventLog.Close()
		return nil, err
	}

	normalizer := &ingest.Normalizer{RetainRaw: cfg.RetainRawEvents}
	pipeline := ingest.NewPipeline(reader, normalizer, eventLog, proj, hub, cfg.RetainRawEvents)

	server := api.NewServer(eventLog, store, hub, proxy, auth, cfg.HeartbeatInterval.Duration)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.CorsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		if err := pipeline.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("ingestion pipeline stopped: %v", err)
		}
	}()

	go func() {
		defer close(done)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server stopped: %v", err)
		}
	}()

	return &daemon{
		cfg:      cfg,
		eventLog: eventLog,
		store:    store,
		hub:      hub,
		server:   httpServer,
		cancel:   cancel,
		done:     done,
	}, nil
}

func (d *daemon) stop() {
	logger := log.ForService("serve")

	d.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	<-d.done

	d.hub.CloseAll()
	if err := d.store.Close(); err != nil {
		logger.Warnf("closing state store: %v", err)
	}
	if err := d.eventLog.Close(); err != nil {
		logger.Warnf("closing event log: %v", err)
	}
}

// restartDaemon swaps the running instance for one built from newCfg. The
// old instance keeps serving until the new one is ready to start, so a bad
// reload loses nothing.
func restartDaemon(ctx context.Context, old *daemon, newCfg *config.Config) (*daemon, error) {
	old.stop()
	return startDaemon(ctx, newCfg, false)
}

// catchUp folds events appended after the projection watermark, so a
// restart never serves state older than the log.
func catchUp(ctx context.Context, proj *projector.Projector, store *projector.Store, eventLog *eventlog.Log) error {
	logger := log.ForService("serve")

	watermark, err := store.LastSeq(ctx)
	if err != nil {
		return err
	}

	const pageSize = 500
	applied := 0
	for {
		page, err := eventLog.ReadAfter(ctx, watermark, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			if err := proj.Apply(ctx, page[i]); err != nil {
				return err
			}
			watermark = page[i].Seq
			applied++
		}
	}

	if applied > 0 {
		logger.Infof("caught up materialized state with %d events", applied)
	}
	return nil
}

func buildAuthenticator(cfg *config.Config) (api.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "", "header":
		return api.HeaderAuthenticator{}, nil
	case "jwt":
		if cfg.Auth.JWTSecret == "" {
			return nil, fmt.Errorf("auth mode jwt requires a secret")
		}
		return api.JWTAuthenticator{Secret: []byte(cfg.Auth.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
