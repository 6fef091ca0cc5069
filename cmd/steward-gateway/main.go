package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidahmann/steward/internal/api"
	"github.com/davidahmann/steward/internal/approval"
	"github.com/davidahmann/steward/internal/auth"
	"github.com/davidahmann/steward/internal/config"
	"github.com/davidahmann/steward/internal/crypto"
	"github.com/davidahmann/steward/internal/events"
	"github.com/davidahmann/steward/internal/gate"
	"github.com/davidahmann/steward/internal/governance"
	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/ledger/pgstore"
	"github.com/davidahmann/steward/internal/ledger/sqlstore"
	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/slack"
	"github.com/davidahmann/steward/internal/usage"
)

const (
	defaultListenAddr    = ":8080"
	defaultPolicyPath    = "policies/steward.yaml"
	defaultFallbackPath  = "data/ledger-fallback.jsonl"
	defaultSweepInterval = 30 * time.Second
	usageRetention       = 24 * time.Hour
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.InitJSONLogger(os.Stderr, os.Getenv("STEWARD_LOG_LEVEL"))
	if err := runFn(ctx, os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = func(format string, args ...any) {
	logger.Logger.Fatal().Msg(fmt.Sprintf(format, args...))
}

type envFn func(string) string
type listenFn func(context.Context, *http.Server) error

// serverFactory builds the server and returns a cleanup that flushes and
// releases everything the server depends on.
type serverFactory func(ctx context.Context, cfg config.Config) (*http.Server, func(), error)

func run(ctx context.Context, args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("steward-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to steward config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("STEWARD_CONFIG_PATH"))

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("STEWARD_LISTEN_ADDR"), cfg.ListenAddr, defaultListenAddr)
	cfg.PolicyPath = firstNonEmpty(getenv("STEWARD_POLICY_PATH"), cfg.PolicyPath, defaultPolicyPath)
	cfg.Auth.AdminToken = firstNonEmpty(getenv("STEWARD_ADMIN_TOKEN"), cfg.Auth.AdminToken)

	server, cleanup, err := factory(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Logger.Info().Str("addr", cfg.ListenAddr).Str("policy", cfg.PolicyPath).Msg("steward-gateway listening")
	if err := listen(ctx, server); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// newServer wires the governance engine from cfg and starts its background
// workers. Workers stop when ctx is cancelled.
func newServer(ctx context.Context, cfg config.Config) (*http.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*http.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	provider, err := policy.NewProvider(cfg.PolicyPath)
	if err != nil {
		return fail(err)
	}

	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	opts := ledger.Options{
		BatchSize:     cfg.Ledger.BatchSize,
		FlushInterval: cfg.Ledger.FlushInterval,
		MaxRetries:    cfg.Ledger.MaxRetries,
		BaseBackoff:   cfg.Ledger.BaseBackoff,
		QueueSize:     cfg.Ledger.QueueSize,
	}
	if opts.Fallback, err = ledger.OpenFallbackLog(firstNonEmpty(cfg.Ledger.FallbackPath, defaultFallbackPath)); err != nil {
		return fail(err)
	}
	if cfg.SigningKey.PrivateKeyPath != "" {
		if opts.Signer, err = crypto.LoadSigner(cfg.SigningKey.PrivateKeyPath, cfg.SigningKey.KeyID); err != nil {
			return fail(fmt.Errorf("signing key: %w", err))
		}
	}
	l := ledger.New(store, opts)
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.Close(shutdownCtx); err != nil {
			logger.Logger.Error().Err(err).Msg("ledger close")
		}
	})

	usageStore, closeUsage := openUsage(ctx, cfg.Redis)
	closers = append(closers, closeUsage)

	emitters := []events.Emitter{events.NewLogEmitter()}
	if cfg.PubSub.ProjectID != "" {
		ps, err := events.NewPubSubEmitter(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			return fail(fmt.Errorf("pubsub: %w", err))
		}
		closers = append(closers, func() { _ = ps.Close() })
		emitters = append(emitters, ps)
	}

	queueOpts := []approval.Option{approval.WithDefaultTimeout(provider.Current().Policy.Defaults.ApprovalTimeout)}
	if cfg.Slack.Enabled {
		queueOpts = append(queueOpts, approval.WithNotifier(&slack.OutboxNotifier{Store: store, Channel: cfg.Slack.ApprovalChannel}))
	}

	engine, err := governance.New(governance.Deps{
		Policy:    provider,
		Usage:     usageStore,
		Ledger:    l,
		Approvals: approval.NewQueue(store, queueOpts...),
		Gate:      gate.New(gate.NewCryptoSource()),
		Events:    events.NewMultiEmitter(emitters...),
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, engine.Close)

	if report, err := engine.Reconcile(ctx); err != nil {
		logger.Logger.Warn().Err(err).Int("pending", report.Pending).Msg("startup reconcile incomplete")
	} else if report.Replayed > 0 {
		logger.Logger.Info().Int("replayed", report.Replayed).Msg("replayed fallback ledger records")
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	go engine.RunSweeper(ctx, sweep)
	if cfg.PolicyReloadInterval > 0 {
		go provider.Watch(ctx, cfg.PolicyReloadInterval)
	}
	if cfg.Slack.Enabled {
		go slack.RunOutboxWorker(ctx, store, slack.NewWebhookPoster(cfg.Slack.WebhookURL), cfg.Slack.PollInterval)
	}

	h := &api.Handler{
		Auth:   auth.NewTokenAuthenticator(cfg.Auth),
		Engine: engine,
	}
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, cleanup, nil
}

type storeBackend interface {
	ledger.Store
	io.Closer
}

func openStore(db config.DBConfig) (ledger.Store, func(), error) {
	var (
		s      storeBackend
		driver ledger.DBDriver
		err    error
	)
	switch db.Driver {
	case "":
		logger.Logger.Warn().Msg("no db configured; ledger and approvals are in memory")
		return ledger.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		driver = ledger.DBSQLite
		var st *sqlstore.Store
		st, err = sqlstore.OpenSQLite(db.DSN)
		if err == nil {
			s = st
			err = ledger.Migrate(st.DB(), driver)
		}
	case "postgres":
		driver = ledger.DBPostgres
		var st *pgstore.Store
		st, err = pgstore.OpenPostgres(db.DSN)
		if err == nil {
			s = st
			err = ledger.Migrate(st.DB(), driver)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported db driver %q", db.Driver)
	}
	if err != nil {
		if s != nil {
			_ = s.Close()
		}
		return nil, nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	return s, func() { _ = s.Close() }, nil
}

// openUsage prefers Redis so counters are shared across replicas, and falls
// back to process memory when Redis is not configured or unreachable.
func openUsage(ctx context.Context, rc config.RedisConfig) (usage.Store, func()) {
	if rc.Addr == "" {
		return usage.NewMemoryStore(usageRetention), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unavailable; using in-memory usage counters")
		_ = client.Close()
		return usage.NewMemoryStore(usageRetention), func() {}
	}
	return usage.NewRedisStore(client, firstNonEmpty(rc.Prefix, "steward"), usageRetention), func() { _ = client.Close() }
}

func listenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
