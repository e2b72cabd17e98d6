package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/api"
	"github.com/sells-group/report-verify/internal/claim"
	"github.com/sells-group/report-verify/internal/db"
	"github.com/sells-group/report-verify/internal/evaluator"
	"github.com/sells-group/report-verify/internal/intake"
	"github.com/sells-group/report-verify/internal/metrics"
	"github.com/sells-group/report-verify/internal/notify"
	"github.com/sells-group/report-verify/internal/policy"
	"github.com/sells-group/report-verify/internal/provider"
	"github.com/sells-group/report-verify/internal/resilience"
	"github.com/sells-group/report-verify/internal/runner"
	"github.com/sells-group/report-verify/internal/store"
	"github.com/sells-group/report-verify/internal/tier"
)

// appEnv holds the store, services and worker pool a command needs.
type appEnv struct {
	Store    store.Store
	Policies *policy.Service
	Metrics  *metrics.Metrics
	Intake   *intake.Intake
	Runner   *runner.Runner // nil unless built with a worker
	Pool     *runner.Pool   // nil unless built with a worker

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// Handler builds the HTTP API for the environment.
func (e *appEnv) Handler() http.Handler {
	return api.New(e.Intake, e.Store, e.Policies, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminToken:  cfg.Server.AdminToken,
		Metrics:     e.Metrics.Handler(),
	}).Routes()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "report-verify.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store for one-shot CLI commands.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("cli"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initPolicies(st store.Store) (*policy.Service, error) {
	var opts []policy.Option
	if cfg.Policy.File != "" {
		bootstrap, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return nil, err
		}
		opts = append(opts, policy.WithFallback(bootstrap))
		zap.L().Info("policy bootstrap file loaded", zap.String("file", cfg.Policy.File))
	}
	return policy.NewService(st, opts...), nil
}

// initEnv wires the store, policy service and intake. With withWorker it
// also builds the provider registry, evaluators, claim locker, emitters and
// the worker pool. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, withWorker bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Metrics: metrics.New()}
	env.closers = append(env.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Policies, err = initPolicies(st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Intake = intake.New(env.Policies, st, intake.WithMetrics(env.Metrics))

	if !withWorker {
		return env, nil
	}
	if err := env.initWorker(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *appEnv) initWorker(ctx context.Context) error {
	cbCfg := resilience.FromCircuitConfig(cfg.Circuit)
	cbCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("provider circuit state changed",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		e.Metrics.ObserveCircuit(name, to.String())
	}
	providers := provider.Build(cfg, resilience.NewServiceBreakers(cbCfg))
	zap.L().Info("providers registered", zap.Strings("providers", providers.List()))

	locker, err := e.initLocker(ctx)
	if err != nil {
		return err
	}
	emitter, err := e.initEmitter()
	if err != nil {
		return err
	}

	e.Runner = runner.New(runner.Deps{
		Store:      e.Store,
		Policies:   e.Policies,
		Tiers:      tier.NewResolver(e.Store),
		Evaluators: evaluator.Builtin(e.Store, providers, cfg.Worker.EvaluatorTimeout()),
		Locker:     locker,
		Emitter:    emitter,
		Metrics:    e.Metrics,
	}, runner.Config{
		ClaimTTL:  cfg.Worker.ClaimTTL(),
		JobBudget: cfg.Worker.JobBudget(),
		Retry:     resilience.FromRetryConfig(cfg.Retry),
	})
	e.Pool = runner.NewPool(e.Store, e.Runner, runner.PoolConfig{
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval(),
		Visibility:   cfg.Worker.ClaimTTL(),
	})
	return nil
}

func (e *appEnv) initLocker(ctx context.Context) (claim.Locker, error) {
	if cfg.Redis.URL == "" {
		zap.L().Warn("redis not configured, using in-process report claims (single worker process only)")
		return claim.NewMemoryLocker(), nil
	}
	client, err := claim.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() { _ = client.Close() })
	zap.L().Info("redis report claims enabled")
	return claim.NewRedisLocker(client, cfg.Redis.KeyPrefix), nil
}

func (e *appEnv) initEmitter() (notify.Emitter, error) {
	emitters := notify.Multi{notify.LogEmitter{}}
	if cfg.Notify.WebhookURL != "" {
		emitters = append(emitters, notify.NewWebhookEmitter(cfg.Notify.WebhookURL, nil))
		zap.L().Info("webhook notifications enabled")
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		k, err := notify.DialKafka(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, k.Close)
		emitters = append(emitters, k)
		zap.L().Info("kafka notifications enabled", zap.String("topic", cfg.Notify.KafkaTopic))
	}
	return emitters, nil
}
