/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission ledger server, and hosts the
  operator commands that run the same services from the shell.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve          HTTP API (default)
  adjust-rates   One rate adjustment pass over every approved agent
  audit          Balance conservation check, non-zero exit on drift

STARTUP SEQUENCE:
  1. Load config (.env, environment, then flags)
  2. Build the logger
  3. Open the store (sqlite or postgres)
  4. Load the rate policy
  5. Connect event publishers (redis, kafka)
  6. Configure HTTP router and the rate adjust scheduler
  7. Start server with graceful shutdown

FLAGS (override the environment):
  --addr       HTTP listen address
  --db-driver  sqlite | postgres
  --db         SQLite path or postgres URL (":memory:" for in-memory)
  --policy     JSON policy file

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close publishers and the database

EXAMPLES:
  ./server --db=":memory:"
  DB_DRIVER=postgres DB_DSN=postgres://localhost/commission ./server
  ./server audit

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/store/sqlite"
)

var flags struct {
	addr   string
	driver string
	dsn    string
	policy string
}

var (
	rootCmd = &cobra.Command{
		Use:          "server",
		Short:        "Multi-tier sales agent commission ledger",
		SilenceUsage: true,
		RunE:         cmdServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  cmdServe,
	}
	adjustCmd = &cobra.Command{
		Use:   "adjust-rates",
		Short: "Recompute commission rates from cumulative sales",
		Args:  cobra.NoArgs,
		RunE:  cmdAdjustRates,
	}
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Check every agent's balance against its ledger",
		Args:  cobra.NoArgs,
		RunE:  cmdAudit,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.addr, "addr", "", "HTTP listen address (HTTP_ADDR)")
	pf.StringVar(&flags.driver, "db-driver", "", "sqlite or postgres (DB_DRIVER)")
	pf.StringVar(&flags.dsn, "db", "", "database path or URL (DB_DSN)")
	pf.StringVar(&flags.policy, "policy", "", "JSON rate policy file (POLICY_FILE)")

	rootCmd.AddCommand(serveCmd, adjustCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// APPLICATION
// =============================================================================

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   ledger.Store
	policy  commission.Policy
	events  events.Publisher
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

func loadApp(ctx context.Context) (_ *app, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.addr != "" {
		cfg.HTTPAddr = flags.addr
	}
	if flags.driver != "" {
		cfg.DBDriver = flags.driver
	}
	if flags.dsn != "" {
		cfg.DBDSN = flags.dsn
	}
	if flags.policy != "" {
		cfg.PolicyFile = flags.policy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	switch cfg.DBDriver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		s, err := sqlite.New(cfg.DBDSN)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	log.Info("store opened", zap.String("driver", cfg.DBDriver))

	a.policy = commission.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := factory.NewPolicyFactory().LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		a.policy = p
		log.Info("policy loaded", zap.String("file", cfg.PolicyFile))
	}

	var pubs events.Multi
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		pubs = append(pubs, events.NewRedisPublisher(rdb, cfg.RedisChannel))
		log.Info("redis publisher enabled", zap.String("channel", cfg.RedisChannel))
	}
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log))
		log.Info("kafka publisher enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	a.events = pubs
	a.closers = append(a.closers, pubs.Close)
	return a, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func cmdServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.store, a.policy, a.events, a.log)

	opts := api.RouterOptions{CORSOrigins: a.cfg.CORSOrigins}
	if a.cfg.WithdrawalRateLimit > 0 {
		opts.Limiter = api.NewUserLimiter(a.cfg.WithdrawalRateLimit)
		defer opts.Limiter.Close()
	}
	router := api.NewRouter(handler, opts)

	scheduler := api.NewRateAdjustScheduler(handler.Commissions, a.cfg.RateAdjustInterval, a.log)
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

func cmdAdjustRates(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	svc := commission.NewService(a.store, a.policy, a.events, a.log)
	changed, err := svc.AdjustAll(cmd.Context(), ledger.SystemActor)
	if err != nil {
		return err
	}
	for _, c := range changed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\ttier %d\tsales %s\t%s -> %s\n",
			c.AgentID, c.Tier, c.TotalSales, c.OldRate, c.NewRate)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rate(s) changed\n", len(changed))
	return nil
}

func cmdAudit(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.store, a.policy, a.events, a.log)
	results, err := handler.Reports.AuditAll(cmd.Context(), ledger.SystemActor)
	if err != nil {
		return err
	}

	var failed int
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, r := range results {
		if r.OK() {
			continue
		}
		failed++
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d agent(s) audited, %d with problems\n", len(results), failed)
	if failed > 0 {
		return errs.New("audit found %d agent(s) out of balance", failed)
	}
	return nil
}
