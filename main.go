package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	apix "github.com/tanpawarit/udahub-support-orchestrator/agent/api"
	specialistx "github.com/tanpawarit/udahub-support-orchestrator/agent/agents/specialist"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	llmx "github.com/tanpawarit/udahub-support-orchestrator/agent/llm"
	promptx "github.com/tanpawarit/udahub-support-orchestrator/agent/prompt"
	recordsx "github.com/tanpawarit/udahub-support-orchestrator/agent/records"
	retrievalx "github.com/tanpawarit/udahub-support-orchestrator/agent/retrieval"
	routerx "github.com/tanpawarit/udahub-support-orchestrator/agent/router"
	statex "github.com/tanpawarit/udahub-support-orchestrator/agent/state"
	summaryx "github.com/tanpawarit/udahub-support-orchestrator/agent/summary"
	toolx "github.com/tanpawarit/udahub-support-orchestrator/agent/tool"
	workflowx "github.com/tanpawarit/udahub-support-orchestrator/agent/workflow"
	configx "github.com/tanpawarit/udahub-support-orchestrator/pkg/config"
	_ "github.com/tanpawarit/udahub-support-orchestrator/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/udahub-support-orchestrator/pkg/openrouter"
	qstashx "github.com/tanpawarit/udahub-support-orchestrator/pkg/qstash"
	sqlitex "github.com/tanpawarit/udahub-support-orchestrator/pkg/sqlite"
)

type AppConfig struct {
	HTTPAddr           string        `envconfig:"HTTP_ADDR" split_words:"true" default:":8080"`
	StoreBackend       string        `envconfig:"STORE_BACKEND" split_words:"true" default:"memory"`
	RecordsDBPath      string        `envconfig:"RECORDS_DB_PATH" split_words:"true" default:"data/udahub.db"`
	DefaultAccountID   string        `envconfig:"DEFAULT_ACCOUNT_ID" split_words:"true" default:"cultpass"`
	SummaryMode        string        `envconfig:"SUMMARY_MODE" split_words:"true" default:"local"`
	SummaryCallbackURL string        `envconfig:"SUMMARY_CALLBACK_URL" split_words:"true"`
	RouterRulesPath    string        `envconfig:"ROUTER_RULES_PATH" split_words:"true"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"15s"`
}

const (
	summaryLocal  = "local"
	summaryQStash = "qstash"
	summaryOff    = "off"
)

// lateApplier lets the summarizer be built before the engine it writes to.
type lateApplier struct {
	target summaryx.Applier
}

func (a *lateApplier) ApplySummary(ctx context.Context, sessionID, summary string, throughTurn int) (int64, error) {
	if a.target == nil {
		return 0, errors.New("summary applier is not ready")
	}
	return a.target.ApplySummary(ctx, sessionID, summary, throughTurn)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context) error {
	appCfg := configx.MustNew[AppConfig]("APP")
	engineCfg := configx.MustNew[workflowx.Config]("ENGINE")
	toolCfg := configx.MustNew[toolx.Config]("TOOL")
	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	summaryCfg := configx.MustNew[summaryx.Config]("SUMMARY")

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("close resource failed")
			}
		}
	}()

	db, err := sqlitex.Open(ctx, sqlitex.Config{Path: appCfg.RecordsDBPath})
	if err != nil {
		return fmt.Errorf("open records database: %w", err)
	}
	closers = append(closers, db.Close)

	dispatcher, err := buildTools(ctx, db, appCfg.DefaultAccountID, *toolCfg)
	if err != nil {
		return err
	}

	router, err := buildRouter(appCfg.RouterRulesPath)
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(ctx, appCfg.StoreBackend)
	if err != nil {
		return err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	condenser := buildCondenser(*llmCfg)
	registry, err := specialistx.NewModelRegistry(ctx, *llmCfg, promptx.LoadPromptSet(appCfg.DefaultAccountID), dispatcher, condenser)
	if err != nil {
		return fmt.Errorf("build agents: %w", err)
	}

	applier := &lateApplier{}
	summarizer, err := summaryx.NewSummarizer(store, condenser, applier, summaryCfg.KeepRecent)
	if err != nil {
		return err
	}

	var (
		queue       contractx.SummaryQueue = summaryx.NoopQueue{}
		handlerOpts []apix.Option
	)
	switch strings.ToLower(strings.TrimSpace(appCfg.SummaryMode)) {
	case summaryLocal:
		workers := summaryx.NewWorkerQueue(summarizer, *summaryCfg)
		closers = append(closers, func() error { workers.Close(); return nil })
		queue = workers
	case summaryQStash:
		qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
		client := qstashx.MustNew(*qstashCfg)
		verifier, err := qstashx.NewVerifier(*qstashCfg)
		if err != nil {
			return fmt.Errorf("qstash verifier: %w", err)
		}
		if strings.TrimSpace(appCfg.SummaryCallbackURL) == "" {
			return errors.New("APP_SUMMARY_CALLBACK_URL is required in qstash summary mode")
		}
		queue = summaryx.NewQStashQueue(client, appCfg.SummaryCallbackURL)
		handlerOpts = append(handlerOpts, apix.WithSummaryCallback(summarizer, verifier, appCfg.SummaryCallbackURL))
	case summaryOff:
	default:
		return fmt.Errorf("unknown summary mode %q", appCfg.SummaryMode)
	}

	engine, err := workflowx.New(store, router, registry, dispatcher, *engineCfg,
		workflowx.WithDefaultCustomer(statex.CustomerContext{AccountID: appCfg.DefaultAccountID}),
		workflowx.WithSummaryQueue(queue),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	applier.target = engine

	srv := &http.Server{
		Addr:              appCfg.HTTPAddr,
		Handler:           apix.NewHandler(engine, handlerOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", appCfg.HTTPAddr).Str("store", appCfg.StoreBackend).Str("summary_mode", appCfg.SummaryMode).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildTools(ctx context.Context, db *sql.DB, defaultAccountID string, cfg toolx.Config) (*toolx.Dispatcher, error) {
	records, err := recordsx.NewSQLiteStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("records store: %w", err)
	}
	retriever, err := retrievalx.NewSQLiteRetriever(ctx, db, defaultAccountID)
	if err != nil {
		return nil, fmt.Errorf("knowledge retriever: %w", err)
	}
	registry, err := toolx.NewRegistry(toolx.Builtins(retriever, records)...)
	if err != nil {
		return nil, err
	}
	log.Info().Strs("tools", registry.Names()).Msg("tool registry ready")
	return toolx.NewDispatcher(registry, toolx.DefaultCapabilities(), cfg)
}

func buildRouter(rulesPath string) (*routerx.Router, error) {
	if strings.TrimSpace(rulesPath) == "" {
		return routerx.NewDefault()
	}
	rules, err := routerx.LoadRules(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("load router rules: %w", err)
	}
	return routerx.New(rules)
}

func buildStore(ctx context.Context, backend string) (statex.Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return statex.NewMemoryStore(), nil, nil
	case "postgres":
		cfg := configx.MustNew[statex.PostgresConfig]("POSTGRES")
		store, err := statex.NewPostgresStore(ctx, *cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "upstash":
		cfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH")
		store, err := statex.NewUpstashRedisStore(*cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// buildCondenser prefers the summarization model and falls back to the
// extractive recap when the model is unavailable or fails.
func buildCondenser(cfg llmx.Config) contractx.Condenser {
	extractive := summaryx.ExtractiveCondenser{}
	modelCfg := cfg.OpenRouterFor(contractx.AgentTypeSummarization)
	model, err := summaryx.NewModelCondenser(openrouterx.NewClient(modelCfg), modelCfg.Model)
	if err != nil {
		log.Warn().Err(err).Msg("summary model unavailable, using extractive condenser")
		return extractive
	}
	return summaryx.FallbackCondenser{Primary: model, Fallback: extractive}
}
