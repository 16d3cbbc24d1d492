package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-propdesk/internal/accounts"
	"lv-propdesk/internal/admin"
	"lv-propdesk/internal/auth"
	"lv-propdesk/internal/challenge"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/db"
	"lv-propdesk/internal/health"
	"lv-propdesk/internal/httpserver"
	"lv-propdesk/internal/journal"
	"lv-propdesk/internal/liquidation"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/notify"
	"lv-propdesk/internal/observability"
	"lv-propdesk/internal/orders"
	"lv-propdesk/internal/store"
	"lv-propdesk/internal/store/memstore"
	"lv-propdesk/internal/store/pgstore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var expiryInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the liquidation sweep",
	Long: `serve reads its configuration from the environment (HTTP_ADDR,
JWT_SECRET, INTERNAL_API_TOKEN, STORE, DB_DSN, ...) and runs until SIGINT or
SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&expiryInterval, "expiry-interval", time.Hour, "how often inactive challenges are expired")
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, *pgxpool.Pool, error) {
	if cfg.Store != config.StorePostgres {
		log.Warn().Msg("using in-memory store, state is lost on restart")
		return memstore.New(), nil, nil
	}
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	for _, name := range applied {
		log.Info().Str("migration", name).Msg("migration applied")
	}
	return pgstore.New(pool), pool, nil
}

func loadSettings(cfg config.Config) (config.TradingSettings, error) {
	if cfg.TradingSettingsFile == "" {
		return config.DefaultTradingSettings(), nil
	}
	return config.LoadTradingSettings(cfg.TradingSettingsFile)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.SetLevel(cfg.LogLevel)
	log := observability.NewLogger("api")
	startedAt := time.Now()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Settings and metrics
	settings, err := loadSettings(cfg)
	if err != nil {
		return fmt.Errorf("trading settings: %w", err)
	}
	holder := config.NewSettingsHolder(settings)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	// 2. Persistence
	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := marketdata.NewBus()
	book := marketdata.NewQuoteBook(bus)
	healthHandler := health.NewHandler(health.Options{
		StartedAt:     startedAt,
		HTTPAddr:      cfg.HTTPAddr,
		StoreKind:     cfg.Store,
		InternalToken: cfg.InternalToken,
		Pool:          pool,
		Book:          book,
		QuoteMaxAge:   cfg.QuoteMaxAge,
	})
	healthHandler.Register("store", st.Ping)

	var closeJournal orders.Journal
	var equityJournal liquidation.EquityJournal
	var journalHandler *journal.Handler
	if cfg.JournalPath != "" {
		j, err := journal.NewSQLite(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		closeJournal, equityJournal = j, j
		journalHandler = journal.NewHandler(j)
		healthHandler.Register("journal", j.Ping)
	}

	g, gctx := errgroup.WithContext(ctx)

	// 3. Notifications
	var notifier notify.Publisher = notify.Nop{}
	if cfg.NATSURL != "" {
		nc, js, err := notify.Connect(ctx, cfg.NATSURL, observability.NewLogger("notify"))
		if err != nil {
			return err
		}
		defer nc.Close()
		pub := notify.NewJetStream(js, metrics, observability.NewLogger("notify"))
		notifier = pub
		healthHandler.Register("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		g.Go(func() error {
			if err := pub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// 4. Market data
	quotes := marketdata.NewFreshSource(book, marketdata.FreshnessPolicy{
		MaxAge:          cfg.QuoteMaxAge,
		FallbackSymbols: cfg.QuoteFallbackSymbols,
		FallbackMaxAge:  cfg.QuoteFallbackMaxAge,
	})
	if cfg.SimFeed {
		feed := marketdata.NewPublisher(book, holder.Pricing().Instruments, time.Now().UnixNano(), observability.NewLogger("simfeed"))
		g.Go(func() error {
			feed.Run(gctx)
			return nil
		})
	}

	// 5. Domain services
	challenges := challenge.NewService(st, holder, metrics, notifier, observability.NewLogger("challenge"))
	orderSvc := orders.NewService(orders.Deps{
		Store:        st,
		Quotes:       quotes,
		Settings:     holder,
		Challenges:   challenges,
		Journal:      closeJournal,
		Notifier:     notifier,
		Metrics:      metrics,
		Log:          observability.NewLogger("orders"),
		QuoteTimeout: cfg.QuoteTimeout,
	})
	sweeper := liquidation.NewSweeper(liquidation.Deps{
		Store:    st,
		Orders:   orderSvc,
		Quotes:   quotes,
		Journal:  equityJournal,
		Notifier: notifier,
		Metrics:  metrics,
		Log:      observability.NewLogger("liquidation"),
	}, liquidation.Config{
		Interval:     cfg.SweepInterval,
		Concurrency:  cfg.SweepConcurrency,
		StopOutLevel: cfg.StopOutLevel,
		QuoteTimeout: cfg.QuoteTimeout,
	})
	accountSvc := accounts.NewService(st, orderSvc, observability.NewLogger("accounts"))
	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	authSvc.SetAdmin(cfg.AdminUsername, cfg.AdminPasswordHash)

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runExpiry(gctx, challenges, expiryInterval, log)
		return nil
	})

	// 6. HTTP
	limiter := httpserver.NewRateLimiter(10, 30)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:      auth.NewHandler(authSvc),
		AccountsHandler:  accounts.NewHandler(accountSvc),
		OrderHandler:     orders.NewHandler(orderSvc),
		ChallengeHandler: challenge.NewHandler(challenges),
		MarketHandler:    marketdata.NewHandler(book, marketdata.NewQuoteWS(cfg.WebSocketOrigin, bus, book, observability.NewLogger("quotews"))),
		AdminHandler:     admin.NewHandler(sweeper, holder, cfg.TradingSettingsFile, observability.NewLogger("admin")),
		HealthHandler:    healthHandler,
		JournalHandler:   journalHandler,
		AuthService:      authSvc,
		InternalToken:    cfg.InternalToken,
		WSHandler:        httpserver.NewWSHandler(bus, authSvc, st, orderSvc, cfg.WebSocketOrigin, observability.NewLogger("ws")),
		RateLimiter:      limiter,
		Gatherer:         reg,
		Log:              observability.NewLogger("http"),
	})
	servers := []*http.Server{{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	log.Info().
		Str("store", cfg.Store).
		Bool("sim_feed", cfg.SimFeed).
		Bool("journal", cfg.JournalPath != "").
		Bool("nats", cfg.NATSURL != "").
		Msg("propdesk started")
	err = g.Wait()
	log.Info().Msg("propdesk stopped")
	return err
}

// runExpiry expires challenges idle beyond their inactivity limit.
func runExpiry(ctx context.Context, svc *challenge.Service, every time.Duration, log zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := svc.ExpireInactive(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("challenge expiry failed")
				continue
			}
			if res.Expired > 0 || res.TimedOut > 0 || res.Failed > 0 {
				log.Info().Int("expired", res.Expired).Int("timed_out", res.TimedOut).Int("failed", res.Failed).Msg("challenge expiry")
			}
		}
	}
}
