package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/attractor-run/control-plane/internal/attractorstore"
	"github.com/attractor-run/control-plane/internal/eventbus/amqpbus"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/httpapi"
	"github.com/attractor-run/control-plane/internal/lock"
	"github.com/attractor-run/control-plane/internal/objectstore"
	"github.com/attractor-run/control-plane/internal/patchpr"
	"github.com/attractor-run/control-plane/internal/platform/config"
	"github.com/attractor-run/control-plane/internal/platform/logging"
	"github.com/attractor-run/control-plane/internal/platform/tracing"
	"github.com/attractor-run/control-plane/internal/queue/redisqueue"
	"github.com/attractor-run/control-plane/internal/runlifecycle"
	"github.com/attractor-run/control-plane/internal/scm"
	"github.com/attractor-run/control-plane/internal/specbundle"
	"github.com/attractor-run/control-plane/internal/store/postgres"
	"github.com/attractor-run/control-plane/internal/workload"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the control plane's HTTP API and dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "attractorctl.yaml", "path to the server config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.New(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Enabled)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	db, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    int(cfg.Postgres.MaxConns),
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()
	st := postgres.New(db)

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseTLS:    cfg.ObjectStore.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("objectstore: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	dispatchQueue := redisqueue.New(redisClient, redisqueue.Config{})
	branchLock := lock.New(redisClient)

	var publisher eventlog.Publisher
	amqpConn, err := amqpbus.RealDialer{}.Dial(cfg.EventBus.AMQPURL)
	if err != nil {
		log.WithError(err).Warn("attractorctl: event bus unavailable, running with local fanout only")
	} else {
		defer amqpConn.Close()
		busPublisher, err := amqpbus.NewPublisher(amqpConn, cfg.EventBus.Exchange)
		if err != nil {
			return fmt.Errorf("eventbus: %w", err)
		}
		publisher = busPublisher
	}
	events := eventlog.New(st.RunEvents, publisher)

	attractors := attractorstore.New(st.AttractorDefs, st.GlobalAttractors, st.AttractorDefVersions, st.GlobalAttractorVersions, objects)

	var catalog runlifecycle.ModelCatalog
	if len(cfg.Models) > 0 {
		catalog = runlifecycle.NewStaticCatalog(cfg.Models)
	}

	controller := runlifecycle.New(st, attractors, objects, dispatchQueue, branchLock, events, catalog, log.WithField("component", "controller"))

	githubClient, err := scm.NewGitHubClient(ctx, cfg.SCM)
	if err != nil {
		return fmt.Errorf("scm: %w", err)
	}

	var pipeline *patchpr.Pipeline
	var workspace *runlifecycle.RepoWorkspace
	if githubClient != nil {
		pipeline = patchpr.New(objects, st.Artifacts, st.Runs, events, githubClient)
		workspace = runlifecycle.NewRepoWorkspace(cfg.Workspace.RepoRoot, githubClient)
	} else {
		log.Info("attractorctl: no SCM credentials configured, implementation runs will succeed without opening a pull request")
	}
	bundler := specbundle.NewGenerator(objects)

	tools := workload.NewToolRunner(nil)
	dispatcher := runlifecycle.NewDispatcher(st, dispatchQueue, branchLock, events, objects, nil, tools, nil, pipeline, workspace, bundler, log.WithField("component", "dispatcher"))

	go dispatcher.Run(ctx)

	srv := httpapi.New(httpapi.Config{
		ListenAddr:      cfg.HTTP.ListenAddr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, st, attractors, controller, events, objects, log.WithField("component", "httpapi"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("attractorctl: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
