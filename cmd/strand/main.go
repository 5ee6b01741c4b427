// Command strand runs the workflow engine daemon: durable stores on MongoDB,
// the orchestrator with inline and container runners, the tool gateway, the
// cron scheduler, and the webhook listener, all behind one HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/strandsec/strand/components"
	"github.com/strandsec/strand/config"
	approvalmongo "github.com/strandsec/strand/features/approval/mongo"
	artifactmongo "github.com/strandsec/strand/features/artifact/mongo"
	eventmongo "github.com/strandsec/strand/features/event/mongo"
	"github.com/strandsec/strand/features/model/anthropic"
	runmongo "github.com/strandsec/strand/features/run/mongo"
	"github.com/strandsec/strand/features/sink/mongosearch"
	"github.com/strandsec/strand/features/stream/pulse"
	workflowmongo "github.com/strandsec/strand/features/workflow/mongo"
	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/gateway"
	"github.com/strandsec/strand/runtime/model"
	"github.com/strandsec/strand/runtime/orchestrator"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/run"
	"github.com/strandsec/strand/runtime/runner"
	"github.com/strandsec/strand/runtime/runner/container"
	"github.com/strandsec/strand/runtime/runner/inline"
	"github.com/strandsec/strand/runtime/telemetry"
	"github.com/strandsec/strand/runtime/trigger"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if cfg.Gateway.Secret == "" {
		log.Fatalf(ctx, errors.New("STRAND_GATEWAY_SECRET is required"), "load configuration")
	}

	if err := realMain(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "daemon exited")
	}
}

func realMain(ctx context.Context, cfg config.Config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(shutdownCtx)
	}()

	runs, err := runmongo.New(ctx, runmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	eventLog, err := eventmongo.New(ctx, eventmongo.Options{
		Client:    mongoClient,
		Database:  cfg.Mongo.Database,
		Retention: cfg.Engine.EventRetention,
	})
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	artifacts, err := artifactmongo.New(ctx, artifactmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	workflows, err := workflowmongo.New(ctx, workflowmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("workflow store: %w", err)
	}
	approvals, err := approvalmongo.New(ctx, approvalmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("approval store: %w", err)
	}
	findings, err := mongosearch.New(ctx, mongosearch.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("findings indexer: %w", err)
	}

	scrubber := event.NewScrubber()
	hub := event.NewHub(eventLog, event.WithScrubber(scrubber))

	var modelClient model.Client
	if cfg.Model.AnthropicAPIKey != "" {
		modelClient, err = anthropic.NewFromAPIKey(cfg.Model.AnthropicAPIKey, cfg.Model.DefaultModel)
		if err != nil {
			return fmt.Errorf("model client: %w", err)
		}
	}

	reg := registry.New()
	if err := components.RegisterAll(reg, components.Deps{
		Approvals:       approvals,
		Findings:        findings,
		Model:           modelClient,
		ApprovalTimeout: cfg.Engine.ApprovalTimeout,
	}); err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	reg.Freeze()

	docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	containers := container.New(container.Config{
		ImageAllowList:  cfg.Container.ImageAllowList,
		ElevatedTenants: cfg.Container.ElevatedTenants,
		HostIP:          cfg.Container.HostIP,
	}, docker, reg, artifacts, hub, scrubber, nil, logger)
	defer containers.Shutdown()

	gw, err := gateway.New(gateway.Config{
		Secret:         []byte(cfg.Gateway.Secret),
		CallsPerSecond: cfg.Gateway.CallsPerSecond,
		Burst:          cfg.Gateway.Burst,
	}, containers, hub, logger, metrics)
	if err != nil {
		return fmt.Errorf("tool gateway: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxInFlight:       cfg.Engine.MaxInFlight,
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
		SweepInterval:     cfg.Engine.SweepInterval,
		CancelGrace:       cfg.Engine.CancelGrace,
	}, orchestrator.Deps{
		Registry:  reg,
		Runs:      runs,
		Approvals: approvals,
		Artifacts: artifacts,
		Hub:       hub,
		Runners: map[registry.RunnerKind]runner.Runner{
			registry.RunInline:    inline.New(logger),
			registry.RunContainer: containers,
		},
		Tools:   gw,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	// Cross-process event transport is optional; without Redis the hub only
	// serves in-process subscribers.
	var submitter trigger.Submitter = orch
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		streams, err := pulse.New(pulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("pulse client: %w", err)
		}
		submitter = &relaySubmitter{next: orch, hub: hub, streams: streams, ctx: ctx}
	}

	scheduler := trigger.NewScheduler(workflows, submitter, trigger.AlwaysLeader, logger)
	scheduler.Start()
	defer scheduler.Stop()

	webhooks := trigger.NewWebhook(workflows, submitter, logger)
	manual := trigger.NewManual(workflows, submitter)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(runs, eventLog, artifacts, workflows, approvals, findings)))
	mux.Handle("/hooks/", webhooks.Handler())
	mux.Handle("/gateway", gw.Handler())
	mountAPI(mux, &apiDeps{
		orch:      orch,
		manual:    manual,
		workflows: workflows,
		scheduler: scheduler,
		webhooks:  webhooks,
		registry:  reg,
	})

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: log.HTTP(ctx)(mux),
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.HTTP.Addr)
		errc <- server.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Printf(ctx, "received %s, shutting down", sig)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// relaySubmitter forwards each submitted run's event stream to its Pulse
// stream so observers in other processes can tail it.
type relaySubmitter struct {
	next    trigger.Submitter
	hub     *event.Hub
	streams *pulse.Client
	ctx     context.Context
}

func (s *relaySubmitter) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*run.Run, error) {
	r, err := s.next.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	s.streams.Relay(s.ctx, s.hub, r.ID, 0)
	return r, nil
}
