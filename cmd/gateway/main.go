// Command gateway runs the MCP registry and invocation gateway.
//
// The process hosts the HTTP surface (registry REST API, tool invocation,
// generation jobs, SSE and WebSocket progress), the worker pool consuming
// generation requests, the result consumer, and the healer draining the
// dead-letter stream.
//
// # Configuration
//
// Environment variables:
//
//	DATABASE_URL       - MongoDB connection string (required)
//	DATABASE_NAME      - MongoDB database name (default: "mcp_gateway")
//	PORT               - HTTP listen port (default: 8080)
//	CORS_ORIGIN        - Allowed browser origin (default: "*")
//	ENABLE_EVENT_BUS   - Toggle the Redis event fabric (default: true)
//	REDIS_ADDR         - Redis address (required when the bus is enabled)
//	REDIS_PASSWORD     - Redis password (optional)
//	PUBLISH_RATE       - Event publishes per second, 0 = unlimited (default: 0)
//	OPENAI_API_KEY     - Generative model credential (optional)
//	MODEL_TIMEOUT      - Bound on one generative call (default: 2m)
//	DISCOVERY_TIMEOUT  - Bound on stdio tool discovery (default: 30s)
//	OAUTH_CLIENT_ID    - OAuth client for token refresh (optional)
//	OAUTH_CLIENT_SECRET- OAuth client secret (optional)
//	ENCRYPTION_SECRET  - Token vault key material (required with OAuth)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mcpmessenger/mcp-gateway/broker"
	"github.com/mcpmessenger/mcp-gateway/config"
	"github.com/mcpmessenger/mcp-gateway/events"
	"github.com/mcpmessenger/mcp-gateway/gateway"
	"github.com/mcpmessenger/mcp-gateway/healer"
	"github.com/mcpmessenger/mcp-gateway/jobs"
	jobmongo "github.com/mcpmessenger/mcp-gateway/jobs/store/mongo"
	memmongo "github.com/mcpmessenger/mcp-gateway/memory/store/mongo"
	"github.com/mcpmessenger/mcp-gateway/model"
	"github.com/mcpmessenger/mcp-gateway/model/openai"
	"github.com/mcpmessenger/mcp-gateway/registry"
	regmongo "github.com/mcpmessenger/mcp-gateway/registry/store/mongo"
	"github.com/mcpmessenger/mcp-gateway/vault"
	"github.com/mcpmessenger/mcp-gateway/worker"
)

const shutdownGrace = 15 * time.Second

func main() {
	var (
		topicsF = flag.String("topics", "", "Path to a YAML file overriding event topic names")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *topicsF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, topicsFile string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(topicsFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Document store.
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := client.Disconnect(shutdownCtx); err != nil {
			log.Errorf(shutdownCtx, err, "disconnect mongodb")
		}
	}()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	db := client.Database(cfg.MongoDatabase)

	regStore := regmongo.New(db)
	jobStore := jobmongo.New(db)
	memStore := memmongo.New(db)

	// Event fabric. A nil bus leaves the producer disabled and the gateway
	// running jobs in process.
	var bus events.Bus
	if cfg.EventsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		bus, err = events.NewBus(events.BusOptions{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create event bus: %w", err)
		}
	} else {
		log.Printf(ctx, "event bus disabled, generation jobs run in process")
	}
	producer := events.NewProducer(events.ProducerOptions{
		Bus: bus,
		Topics: events.Topics{
			Request: cfg.Topics.Request,
			Result:  cfg.Topics.Result,
			Fanout:  cfg.Topics.Fanout,
			DLQ:     cfg.Topics.DLQ,
		},
		PublishRate: rate.Limit(cfg.PublishRate),
	})

	brk := broker.New(broker.Options{})
	reg, err := registry.NewService(registry.Options{
		Store:            regStore,
		Discoverer:       brk,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
	})
	if err != nil {
		return fmt.Errorf("create registry service: %w", err)
	}

	var tokens gateway.TokenSource
	if cfg.EncryptionSecret != "" {
		v, err := vault.New(cfg.EncryptionSecret)
		if err != nil {
			return fmt.Errorf("create token vault: %w", err)
		}
		tokens, err = vault.NewTokens(vault.TokensOptions{
			Vault:        v,
			Store:        regStore,
			ClientSecret: cfg.OAuthClientSecret,
		})
		if err != nil {
			return fmt.Errorf("create token manager: %w", err)
		}
	}

	var generator model.Generator
	if cfg.OpenAIKey != "" {
		generator, err = openai.NewFromAPIKey(cfg.OpenAIKey, "")
		if err != nil {
			return fmt.Errorf("create model client: %w", err)
		}
	}

	tracker := jobs.NewTracker(0)
	gw, err := gateway.New(gateway.Options{
		Registry:       reg,
		Invoker:        brk,
		Jobs:           jobStore,
		Memory:         memStore,
		Tokens:         tokens,
		Consents:       vault.NewConsentStore(),
		Tracker:        tracker,
		Producer:       producer,
		Generator:      generator,
		ModelTimeout:   cfg.ModelTimeout,
		AllowedOrigins: []string{cfg.CORSOrigin},
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EventsEnabled {
		if generator == nil {
			return errors.New("OPENAI_API_KEY is required to run workers against the event bus")
		}
		pool, err := worker.New(worker.Options{
			Store:        jobStore,
			Generator:    generator,
			Producer:     producer,
			Bus:          bus,
			Tracker:      tracker,
			ModelTimeout: cfg.ModelTimeout,
		})
		if err != nil {
			return fmt.Errorf("create worker pool: %w", err)
		}
		results, err := gateway.NewResults(gateway.ResultsOptions{
			Bus:      bus,
			Producer: producer,
			Jobs:     jobStore,
			Tracker:  tracker,
		})
		if err != nil {
			return fmt.Errorf("create result consumer: %w", err)
		}
		heal, err := healer.New(healer.Options{
			Bus:      bus,
			Producer: producer,
			Registry: reg,
			Jobs:     jobStore,
		})
		if err != nil {
			return fmt.Errorf("create healer: %w", err)
		}
		handover, err := events.NewHandoverBus(events.HandoverBusOptions{
			Bus:      bus,
			Producer: producer,
		})
		if err != nil {
			return fmt.Errorf("create handover bus: %w", err)
		}
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { return results.Run(gctx) })
		g.Go(func() error { return heal.Run(gctx) })
		g.Go(func() error { return handover.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           gw.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf(gctx, "listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf(ctx, "exited")
	return nil
}
