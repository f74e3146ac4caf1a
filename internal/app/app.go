package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rdb "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/googlelogin/internal/auth"
	"github.com/hitoshi/googlelogin/internal/config"
	"github.com/hitoshi/googlelogin/internal/database"
	"github.com/hitoshi/googlelogin/internal/eventbus"
	"github.com/hitoshi/googlelogin/internal/handler"
	"github.com/hitoshi/googlelogin/internal/hooks"
	"github.com/hitoshi/googlelogin/internal/logger"
	"github.com/hitoshi/googlelogin/internal/metrics"
	"github.com/hitoshi/googlelogin/internal/middleware"
	"github.com/hitoshi/googlelogin/internal/model"
	"github.com/hitoshi/googlelogin/internal/picture"
	"github.com/hitoshi/googlelogin/internal/repository"
	"github.com/hitoshi/googlelogin/internal/security"
	"github.com/hitoshi/googlelogin/internal/slug"
	"github.com/hitoshi/googlelogin/internal/user"
	"github.com/hitoshi/googlelogin/internal/worker/cleanup"
	"github.com/hitoshi/googlelogin/internal/worker/relay"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
	relayLockKey    = "relay:lock"
)

// errPostgresRequired はPostgreSQLを前提とするコマンドがメモリストアで起動されたことを表す。
var errPostgresRequired = errors.New("this command requires STORE_DRIVER=postgres")

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// backend はストア種別ごとのリポジトリ実装をまとめる。
type backend struct {
	logins    repository.LoginRepository
	registrar repository.RegistrationRepository
	users     repository.UserRepository
	events    repository.EventRepository

	// STORE_DRIVER=memoryの場合はnil
	db *sql.DB
}

// openBackend はSTORE_DRIVERに応じたリポジトリを構築する。
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		store := repository.NewMemoryStore()
		slog.Warn("using in-memory store; data is lost on restart")
		return &backend{
			logins:    store,
			registrar: store,
			users:     repository.NewMemoryUserRepo(store),
			events:    store,
		}, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")

	return &backend{
		logins:    repository.NewPostgresLoginRepo(db),
		registrar: repository.NewPostgresRegistrationRepo(db),
		users:     repository.NewPostgresUserRepo(db),
		events:    repository.NewPostgresEventRepo(db),
		db:        db,
	}, nil
}

// pinger は/healthで疎通確認する対象を返す。メモリストアでは確認しない。
func (b *backend) pinger() handler.Pinger {
	if b.db == nil {
		return nil
	}
	return b.db
}

func (b *backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// application はserve/workerで共有する依存関係をまとめる。
type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   *backend
	registry  *prometheus.Registry
	collector *metrics.Collector

	redis *rdb.Client
}

// newApplication はストアとメトリクスを初期化する。
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &application{
		cfg:       cfg,
		logger:    log,
		backend:   b,
		registry:  reg,
		collector: metrics.NewCollector(reg),
	}, nil
}

// services はHTTP層に渡すドメインサービスの組。
type services struct {
	auth  *auth.Service
	users *user.Service
}

// newServices は認証サービスとユーザーサービスをワイヤリングする。
// ユーザー削除時のLoginレコード削除はUserDeletedトリガーのハンドラとして登録する。
func (a *application) newServices() *services {
	cfg := a.cfg
	b := a.backend

	dispatcher := hooks.NewDispatcher(a.logger)
	cascade := auth.NewDeletionCascade(b.logins, b.events, a.collector, a.logger)
	dispatcher.On(model.TriggerUserDeleted, cascade.HandleUserDeleted)

	// Googleへの通信は公開ホストに限定する
	verifier := auth.NewGoogleIDTokenVerifier(auth.GoogleIDTokenConfig{
		ClientID:     cfg.GoogleClientID,
		DiscoveryURL: cfg.GoogleDiscoveryURL,
		HTTPClient:   security.NewSSRFGuard().NewSafeClient(cfg.ServiceTimeout),
	})

	// スラッグ・画像サービスは内部ネットワーク上にある
	internalClient := &http.Client{Timeout: cfg.ServiceTimeout}
	slugClient := slug.NewClient(internalClient, a.logger, cfg.SlugServiceURL)
	var allocator slug.Allocator = slug.NewServiceAllocator(slugClient)
	if cfg.SlugStrategy == config.SlugStrategyName {
		allocator = slug.NewCustomAllocator(slug.NameSlugFunc(slugClient), slugClient)
	}

	pictures := picture.NewClient(internalClient, a.logger, cfg.PictureServiceURL,
		security.NewSSRFGuard(cfg.PictureAllowedHosts...))

	authService := auth.NewService(auth.ServiceDeps{
		Verifier:       verifier,
		Logins:         b.logins,
		Registrar:      b.registrar,
		Users:          b.users,
		Events:         b.events,
		Hooks:          dispatcher,
		Slugs:          allocator,
		Pictures:       pictures,
		Sanitizer:      security.NewProfileSanitizer(),
		Metrics:        a.collector,
		Logger:         a.logger,
		PictureTimeout: cfg.PictureImportTimeout,
	})

	return &services{
		auth:  authService,
		users: user.NewService(b.users, b.events, dispatcher),
	}
}

// rateLimiterConfig は分単位の設定値をトークンバケットの秒間レートに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rl.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rl.LoginBurst = cfg.RateLimitLogin
	}
	return rl
}

// newRouter はサービスとミドルウェアを組み立てたルーターを返す。
// 返したRateLimiterはシャットダウン時にStopすること。
func (a *application) newRouter(svc *services) (http.Handler, *middleware.RateLimiter) {
	cfg := a.cfg
	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg))

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		SessionConfig: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       time.Duration(cfg.SessionMaxAge) * time.Second,
		},
		RateLimiter:     rl,
		AdminToken:      cfg.AdminToken,
		TrustProxy:      cfg.TrustProxy,
		Logger:          a.logger,
		AuthService:     svc.auth,
		UserService:     svc.users,
		HealthPinger:    a.backend.pinger(),
		MetricsGatherer: a.registry,
	})
	return router, rl
}

// newRelay はイベント中継器を構築する。
// REDIS_URLが設定されていればRedis Streamsへ、未設定なら構造化ログへ中継する。
func (a *application) newRelay(ctx context.Context) (*relay.Relay, error) {
	cfg := a.cfg

	if cfg.RedisURL == "" {
		a.logger.Warn("REDIS_URL is not set; relaying events to the log")
		return relay.NewRelay(a.backend.events, eventbus.NewLogPublisher(a.logger), nil,
			a.collector, a.logger, cfg.RelayBatchSize), nil
	}

	client, err := eventbus.Connect(ctx, cfg.RedisURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	a.redis = client

	lock, err := eventbus.NewRedisLock(client, cfg.StreamPrefix+":"+relayLockKey, cfg.RelayLockTTL)
	if err != nil {
		return nil, err
	}

	publisher := eventbus.NewRedisPublisher(client, cfg.StreamPrefix, cfg.StreamMaxLen)
	return relay.NewRelay(a.backend.events, publisher, lock, a.collector, a.logger, cfg.RelayBatchSize), nil
}

func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// runServe はAPIサーバーモードで起動する。
// メモリストアの場合はイベント中継もこのプロセスで行う。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApplication(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer a.Close()

	svc := a.newServices()
	router, rl := a.newRouter(svc)
	defer rl.Stop()

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	var bg sync.WaitGroup

	if cfg.StoreDriver == config.StoreDriverMemory {
		r, err := a.newRelay(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize relay: %w", err)
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			r.Start(bgCtx, cfg.RelayInterval)
		}()
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中の画像インポートを待ってから中継を止める
	svc.auth.Wait()
	cancelBackground()
	bg.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// イベント中継とイベントログのクリーンアップを実行し、ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errPostgresRequired
	}

	a, err := newApplication(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer a.Close()

	r, err := a.newRelay(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	cleanupJob := cleanup.NewCleanupJob(a.backend.db, a.logger)
	if cfg.EventRetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.EventRetentionDays
	}

	slog.Info("worker starting",
		slog.Duration("relay_interval", cfg.RelayInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cleanupJob.RetentionDays),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Start(ctx, cfg.RelayInterval)
	}()
	go func() {
		defer wg.Done()
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errPostgresRequired
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
