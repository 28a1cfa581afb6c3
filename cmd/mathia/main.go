package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	s3sdk "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"mathia.chat/mathia/connectors/calendar"
	"mathia.chat/mathia/connectors/info"
	"mathia.chat/mathia/connectors/itinerary"
	"mathia.chat/mathia/connectors/messaging"
	"mathia.chat/mathia/connectors/moderation"
	"mathia.chat/mathia/connectors/remind"
	"mathia.chat/mathia/connectors/travel"
	"mathia.chat/mathia/connectors/wallet"
	s3blob "mathia.chat/mathia/features/blob/s3"
	s3client "mathia.chat/mathia/features/blob/s3/clients/s3"
	redisfeature "mathia.chat/mathia/features/cache/redis"
	redisclient "mathia.chat/mathia/features/cache/redis/clients/redis"
	pulsequeue "mathia.chat/mathia/features/jobs/pulse"
	pulseclient "mathia.chat/mathia/features/jobs/pulse/clients/pulse"
	anthropicmodel "mathia.chat/mathia/features/model/anthropic"
	openaimodel "mathia.chat/mathia/features/model/openai"
	redissession "mathia.chat/mathia/features/session/redis"
	mongostore "mathia.chat/mathia/features/store/mongo"
	mongoclient "mathia.chat/mathia/features/store/mongo/clients/mongo"
	"mathia.chat/mathia/gateway"
	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/intent"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/model"
	"mathia.chat/mathia/runtime/router"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
	"mathia.chat/mathia/runtime/worker"
)

func main() {
	var (
		listenF = flag.String("listen", "", "Listen address (overrides config)")
		cfgF    = flag.String("config", "mathia.yaml", "Path to the YAML config file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// .env is a convenience for local runs; deployments set real env vars.
	_ = godotenv.Load()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *cfgF, *listenF, *dbgF); err != nil {
		log.Fatalf(ctx, err, "mathia exited")
	}
}

func run(ctx context.Context, cfgPath, listenOverride string, dbg bool) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}
	sec, err := loadSecrets(cfg)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	crypto, err := keystore.New(keystore.Options{MasterKey: sec.masterKey, LegacyKeys: sec.legacyKeys})
	if err != nil {
		return err
	}

	// Persistence.
	connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
	defer cancelConnect()
	mcli, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mcli.Disconnect(disconnectCtx)
	}()
	mongoc, err := mongoclient.New(mongoclient.Options{Client: mcli, Database: cfg.Mongo.Database})
	if err != nil {
		return err
	}
	mstore, err := mongostore.New(connectCtx, mongoc)
	if err != nil {
		return err
	}
	stores := mstore.Stores()

	// Redis backs the cache, limiter, idempotency guard, presence,
	// sessions and the job queue.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	rcli, err := redisclient.New(redisclient.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	resultCache, err := redisfeature.NewStore(rcli)
	if err != nil {
		return err
	}
	limiter, err := redisfeature.NewLimiter(rcli)
	if err != nil {
		return err
	}
	idempotency, err := redisfeature.NewIdempotency(rcli)
	if err != nil {
		return err
	}
	presence, err := redisfeature.NewPresence(rcli)
	if err != nil {
		return err
	}
	sessions, err := redissession.New(redissession.Options{Client: rcli})
	if err != nil {
		return err
	}

	pcli, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		return err
	}
	queue, err := pulsequeue.New(pulsequeue.Options{
		Client:  pcli,
		Redis:   rcli,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	// LLM clients: anthropic primary, openai declared secondary, wrapped
	// with retries, fallback and the adaptive token budget.
	primary, err := anthropicmodel.NewFromAPIKey(sec.anthropicKey, anthropicmodel.Options{
		DefaultModel: cfg.Models.Anthropic.Model,
		MaxTokens:    cfg.Models.Anthropic.MaxTokens,
	})
	if err != nil {
		return err
	}
	secondary, err := openaimodel.NewFromAPIKey(sec.openaiKey, openaimodel.Options{
		DefaultModel: cfg.Models.OpenAI.Model,
	})
	if err != nil {
		return err
	}
	budget := model.NewAdaptiveLimiter(cfg.Models.TokensPerMinute, cfg.Models.MaxTokensPerMinute)
	llm := model.Chain(primary,
		model.Retry(model.RetryOptions{}),
		model.Fallback(secondary),
		budget.Middleware(),
	)

	// Uploads.
	awsCfg, err := awsconfig.LoadDefaultConfig(connectCtx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	s3c, err := s3client.New(s3client.Options{API: s3sdk.NewFromConfig(awsCfg), Bucket: cfg.S3.Bucket})
	if err != nil {
		return err
	}
	uploads, err := s3blob.New(s3blob.Options{
		Client:        s3c,
		PublicBaseURL: cfg.S3.PublicBaseURL,
		Prefix:        cfg.S3.Prefix,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// Realtime core.
	keys := keystore.NewCache(crypto, stores.Rooms)
	hub, err := chat.NewHub(chat.HubOptions{Presence: presence, Logger: logger})
	if err != nil {
		return err
	}
	defer hub.Close()
	pipeline, err := chat.NewPipeline(chat.PipelineOptions{
		Stores:      stores,
		Keys:        keys,
		Keystore:    crypto,
		Hub:         hub,
		Limiter:     limiter,
		Idempotency: idempotency,
		Queue:       queue,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// Connectors and routing.
	runner, err := connector.NewRunner(connector.RunnerOptions{
		Cache:   resultCache,
		Limiter: limiter,
		Logger:  logger,
		Metrics: metrics,
		Limit:   cfg.Quota.Limit,
		Window:  cfg.Quota.Window,
	})
	if err != nil {
		return err
	}
	routes, err := router.New(router.Options{Runner: runner, Logger: logger, Metrics: metrics, Tracer: tracer})
	if err != nil {
		return err
	}
	connectorNames, err := registerConnectors(routes, cfg, stores, llm, resultCache, limiter)
	if err != nil {
		return err
	}

	parser, err := intent.NewParser(intent.Options{
		Client:  llm,
		Catalog: routes,
		Cache:   resultCache,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	// Workers.
	assistant, err := worker.NewAssistant(worker.AssistantOptions{
		Pipeline: pipeline,
		Hub:      hub,
		Parser:   parser,
		Router:   routes,
		Chatter:  llm,
		Stores:   stores,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	assistant.Register(queue)
	reminders, err := worker.NewReminders(worker.RemindersOptions{
		Reminders:   stores.Reminders,
		Router:      routes,
		Pipeline:    pipeline,
		Hub:         hub,
		Idempotency: idempotency,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	moderationPass, err := worker.NewModeration(worker.ModerationOptions{
		Stores:   stores,
		Pipeline: pipeline,
		Router:   routes,
		Hub:      hub,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	summarizer, err := worker.NewSummarizer(worker.SummarizerOptions{
		Stores:   stores,
		Pipeline: pipeline,
		Client:   llm,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	if err := reminders.Register(ctx, queue); err != nil {
		return err
	}
	if err := moderationPass.Register(ctx, queue); err != nil {
		return err
	}
	if err := summarizer.Register(ctx, queue); err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = queue.Close(drainCtx)
	}()

	// Boundary.
	gw, err := gateway.New(gateway.Options{
		Sessions:       sessions,
		Hub:            hub,
		Pipeline:       pipeline,
		Stores:         stores,
		Blob:           uploads,
		Keys:           keys,
		Keystore:       crypto,
		Usage:          limiter,
		Connectors:     connectorNames,
		QuotaLimit:     cfg.Quota.Limit,
		QuotaWindow:    cfg.Quota.Window,
		WebhookSecrets: sec.webhookSecrets,
		Pingers:        []gateway.Pinger{mongoc, rcli, s3c},
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	gw.Mount(mux)
	var handler http.Handler = gw.Instrument(mux)
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	return serve(ctx, cfg.Listen, handler)
}

// registerConnectors wires every adapter into the router and returns
// their names for the quota view.
func registerConnectors(
	routes *router.Router,
	cfg *Config,
	stores store.Stores,
	llm model.Client,
	lastGood cache.Cache,
	quota cache.RateLimiter,
) ([]string, error) {
	up := newUpstreamClient(cfg.Upstream.Timeout, cfg.Upstream.APIKey)

	infoConn, err := info.New(&infoProvider{client: up, base: cfg.Upstream.InfoBaseURL}, lastGood)
	if err != nil {
		return nil, err
	}
	travelConn, err := travel.New(&travelProvider{client: up, base: cfg.Upstream.TravelBaseURL})
	if err != nil {
		return nil, err
	}
	calendarConn, err := calendar.New(&calendarProvider{client: up, base: cfg.Upstream.CalendarBaseURL}, stores.Users)
	if err != nil {
		return nil, err
	}
	messagingConn, err := messaging.New(messaging.Options{
		Email:    &messagingProvider{client: up, base: cfg.Upstream.MessagingBaseURL},
		WhatsApp: &messagingProvider{client: up, base: cfg.Upstream.MessagingBaseURL},
		Users:    stores.Users,
		Quota:    quota,
	})
	if err != nil {
		return nil, err
	}
	remindConn, err := remind.New(stores.Reminders)
	if err != nil {
		return nil, err
	}
	walletConn, err := wallet.New(stores.Wallets)
	if err != nil {
		return nil, err
	}
	itineraryConn, err := itinerary.New(stores.Itineraries)
	if err != nil {
		return nil, err
	}
	moderationConn, err := moderation.New(llm)
	if err != nil {
		return nil, err
	}

	conns := []connector.Connector{
		infoConn, travelConn, calendarConn, messagingConn,
		remindConn, walletConn, itineraryConn, moderationConn,
	}
	names := make([]string, 0, len(conns))
	for _, c := range conns {
		if err := routes.Register(c); err != nil {
			return nil, err
		}
		names = append(names, c.Name())
	}
	return names, nil
}

// serve runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully with a 30 second drain.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "HTTP server listening on %q", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	err := <-errc
	log.Printf(ctx, "shutting down: %v", err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf(ctx, "failed to shutdown: %v", serr)
	}
	wg.Wait()
	return nil
}
