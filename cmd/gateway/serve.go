package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"claude-bridge/internal/canonical"
	"claude-bridge/internal/config"
	"claude-bridge/internal/credentials"
	"claude-bridge/internal/crypto"
	"claude-bridge/internal/facade/anthropic"
	"claude-bridge/internal/metrics"
	"claude-bridge/internal/store"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(cmd *cli.Command) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var cipher *crypto.AESGCM
	if cfg.KeyEncMasterB64 != "" {
		if cipher, err = crypto.NewAESGCMFromBase64Key(cfg.KeyEncMasterB64); err != nil {
			return fmt.Errorf("cipher: %w", err)
		}
	}
	pool, err := credentials.NewPool(cfg.Accounts, cipher)
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := pool.Discover(dctx); err != nil {
		log.WithError(err).Warn("model discovery incomplete")
	}
	cancel()

	var sink store.Sink = store.LogSink{Log: log}
	if cfg.MySQLDSN != "" {
		db, err := openDB(cfg.MySQLDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		sink = store.Multi{sink, store.NewMySQLSink(db)}
	}

	m := metrics.New()
	h := anthropic.NewHandler(pool, m, sink, log,
		anthropic.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		anthropic.WithRequestTimeout(cfg.RequestTimeout),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, h, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "accounts": len(cfg.Accounts)}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped gracefully")
	return nil
}

func newRouter(cfg config.Config, h *anthropic.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Anthropic-Version", "Anthropic-Beta"},
		ExposedHeaders:   []string{"Content-Type", "X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/metrics", m.Handler())

	v1 := chi.NewRouter()
	v1.Use(clientAuthMiddleware(cfg.ClientToken))
	h.Register(v1)
	r.Mount("/v1", v1)
	return r
}

// clientAuthMiddleware accepts the token as a bearer token or x-api-key and
// stores the presented key on the context. An empty token disables the check.
func clientAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(got, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
			} else {
				got = strings.TrimSpace(r.Header.Get("X-API-Key"))
			}
			if token != "" && got != token {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
				return
			}
			if got != "" {
				r = r.WithContext(context.WithValue(r.Context(), canonical.ContextKeyClientKey, got))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

func migrateAction(_ context.Context, cmd *cli.Command) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.MySQLDSN == "" {
		return errors.New("mysql_dsn is not configured")
	}
	db, err := openDB(cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("migrations applied")
	return nil
}

func sealKeyAction(_ context.Context, cmd *cli.Command) error {
	key := strings.TrimSpace(cmd.Args().First())
	if key == "" {
		return errors.New("usage: gateway seal-key <api-key>")
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.KeyEncMasterB64 == "" {
		return errors.New("key_enc_master_b64 is not configured")
	}
	c, err := crypto.NewAESGCMFromBase64Key(cfg.KeyEncMasterB64)
	if err != nil {
		return err
	}
	sealed, err := c.SealString(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, sealed)
	return err
}
