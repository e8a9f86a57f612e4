package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SignalDesk/internal/calendar"
	"SignalDesk/internal/collector"
	"SignalDesk/internal/config"
	"SignalDesk/internal/dispatch"
	"SignalDesk/internal/engagement"
	"SignalDesk/internal/logger"
	"SignalDesk/internal/metrics"
	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/offer"
	"SignalDesk/internal/peer"
	"SignalDesk/internal/scheduler"
	"SignalDesk/internal/store"
	"SignalDesk/internal/tracker"
	"SignalDesk/internal/trial"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("config validation", zap.Error(err))
	}
	log.Info("SignalDesk starting", zap.String("timezone", cfg.Timezone), zap.Bool("postgres", cfg.IsPostgres()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("SignalDesk stopped with error", zap.Error(err))
	}
	log.Info("SignalDesk stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	metrics.InitMetrics()

	cal, err := calendar.New(cfg.Timezone)
	if err != nil {
		return err
	}
	clock := calendar.SystemClock{Loc: cal.Loc}

	symbols, err := modelSymbols(cfg.Symbols)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.URL, cal.Loc, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tg := notifier.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.Proxy, log.Named("telegram"))
	me, err := tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	log.Info("telegram bot ready", zap.String("username", me.Username))

	providerCfgs := make([]collector.ProviderConfig, len(cfg.Quotes.Providers))
	for i, p := range cfg.Quotes.Providers {
		providerCfgs[i] = collector.ProviderConfig{Name: p.Name, APIKey: p.APIKey}
	}
	providers, err := collector.BuildProviders(providerCfgs, collector.NewHTTPClient(cfg.Proxy))
	if err != nil {
		return err
	}
	quotes := collector.NewFetcher(providers, cfg.Quotes.Timeout, log.Named("quotes"))

	dispatcher := dispatch.New(tg, st, clock, dispatch.Options{DebugChatID: cfg.Telegram.DebugChatID}, log.Named("dispatch"))

	trk := tracker.New(st, quotes, dispatcher, cal, clock, symbols, cfg.Intervals.Pacing, log.Named("tracker"))
	deps := trial.Deps{
		Store:     st,
		Members:   tg,
		Sender:    dispatcher,
		Calendar:  cal,
		Clock:     clock,
		VIPChatID: cfg.Telegram.VIPChatID,
		Logger:    log.Named("trial"),
	}
	offers := offer.New(st, tg, dispatcher, cal, clock, offer.Options{
		Hour:      cfg.Offer.Hour,
		Minute:    cfg.Offer.Minute,
		Cooldown:  cfg.Offer.Cooldown,
		VIPChatID: cfg.Telegram.VIPChatID,
	}, log.Named("offer"))
	handler := engagement.NewHandler(tg, st, trial.NewService(deps), trk, dispatcher, cal, clock, engagement.Options{
		VIPChatID:  cfg.Telegram.VIPChatID,
		FreeChatID: cfg.Telegram.FreeChatID,
		OwnerID:    cfg.Telegram.OwnerID,
	}, log.Named("engagement"))

	sched := scheduler.NewScheduler(ctx, cal.Loc, log.Named("scheduler"))
	jobs := []struct {
		spec       string
		job        scheduler.Job
		runOnStart bool
	}{
		{every(cfg.Intervals.Tracker), trk, true},
		{every(cfg.Intervals.Expiry), trial.NewExpiryLoop(deps), true},
		{every(cfg.Intervals.Warner), trial.NewWarner(deps), true},
		{every(cfg.Intervals.FollowUp), trial.NewFollowUpLoop(deps), true},
		{every(cfg.Intervals.Activation), trial.NewActivationLoop(deps), false},
		{every(cfg.Intervals.Peer), peer.New(st, tg, dispatcher, clock, log.Named("peer")), true},
		{fmt.Sprintf("0 %d-%d %d * * *", cfg.Offer.Minute, cfg.Offer.Minute+1, cfg.Offer.Hour), offers, false},
	}
	for _, j := range jobs {
		if err := sched.Register(j.spec, j.job, j.runOnStart); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tg.StartPolling(gctx, handler)
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.NewRouter(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	dispatcher.NotifyOperator(ctx, "✅ SignalDesk started")
	log.Info("SignalDesk is running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func modelSymbols(cfgs []config.SymbolConfig) ([]model.Symbol, error) {
	out := make([]model.Symbol, len(cfgs))
	for i, c := range cfgs {
		pip, err := decimal.NewFromString(c.Pip)
		if err != nil {
			return nil, fmt.Errorf("symbol %s pip: %w", c.Symbol, err)
		}
		out[i] = model.Symbol{Name: c.Symbol, Digits: c.Digits, Pip: pip}
	}
	return out, nil
}
