// Command panelmux runs the local bridge the browser extension talks to:
// it hosts the stream engine, the SQLite store, and the HTTP/SSE API.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panelmux/panelmux"
	"github.com/panelmux/panelmux/client/openaicompat"
	"github.com/panelmux/panelmux/internal/api"
	"github.com/panelmux/panelmux/internal/config"
	"github.com/panelmux/panelmux/observer"
	"github.com/panelmux/panelmux/store/sqlite"
	"github.com/panelmux/panelmux/toolrpc"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("PANELMUX_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (optional)
	var tracer panelmux.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
	}

	// 3. Store
	store := sqlite.New(cfg.Database.Path,
		sqlite.WithLogger(logger),
		sqlite.WithMaxMessages(cfg.Engine.MaxMessagesPerConversation),
		sqlite.WithDefaultModel(cfg.LLM.Model))
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	// 4. Completion client with retry and rate limiting
	var client panelmux.CompletionClient = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.BaseURL,
		openaicompat.WithLogger(logger))
	if inst != nil {
		client = observer.WrapClient(client, inst)
	}
	client = panelmux.WithRetry(client, panelmux.RetryLogger(logger))
	if cfg.LLM.RPM > 0 {
		client = panelmux.WithRateLimit(client, panelmux.RPM(cfg.LLM.RPM))
	}

	// 5. Tab transport + engine
	hub := api.NewTabHub(logger)
	opts := []panelmux.EngineOption{
		panelmux.WithLogger(logger),
		panelmux.WithToolDialer(func(url string) panelmux.ToolBackend {
			var backend panelmux.ToolBackend = toolrpc.New(url, toolrpc.WithLogger(logger))
			if inst != nil {
				backend = observer.WrapToolBackend(backend, inst)
			}
			return backend
		}),
		panelmux.WithSweepInterval(time.Duration(cfg.Engine.SweepIntervalSecs) * time.Second),
		panelmux.WithTimeouts(
			time.Duration(cfg.Engine.AnalyzeTimeoutSecs)*time.Second,
			time.Duration(cfg.Engine.ChatTimeoutSecs)*time.Second),
		panelmux.WithMaxToolIterations(cfg.Engine.MaxToolIterations),
		panelmux.WithEngineBufferCap(cfg.Engine.BufferCapBytes),
	}
	if tracer != nil {
		opts = append(opts, panelmux.WithTracer(tracer))
	}
	engine := panelmux.NewEngine(store, store, client, hub, opts...)
	engine.Start()
	defer engine.Close()

	// 6. HTTP API
	server := api.New(api.Config{Listen: cfg.Server.Addr, Token: cfg.Server.Token},
		engine, store, hub, logger)
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server: %v", err)
	}
}
