// Command govdata-gateway serves the session-oriented SSE transport in front
// of the govdata tool surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/govdata/mcp-gateway/auth"
	"github.com/govdata/mcp-gateway/config"
	"github.com/govdata/mcp-gateway/dispatch"
	"github.com/govdata/mcp-gateway/internal/logctx"
	"github.com/govdata/mcp-gateway/mcp"
	"github.com/govdata/mcp-gateway/sessions"
	"github.com/govdata/mcp-gateway/ssehttp"
	"github.com/govdata/mcp-gateway/toolset"
	"github.com/govdata/mcp-gateway/toolset/pgengine"
)

const (
	serverName    = "govdata-mcp-gateway"
	serverVersion = "1.0.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("gateway.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})
	slog.SetDefault(log)

	validators, cleanup, err := buildValidators(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	gateway := auth.NewGateway(log, validators...)

	log.Info("auth.config",
		slog.Bool("oidc_enabled", cfg.OIDCEnabled),
		slog.Bool("local_jwt_enabled", cfg.LocalJWTEnabled()),
		slog.Bool("api_key_file", cfg.APIKeyFile != ""),
		slog.Any("modes", gateway.Modes()))
	if cfg.OIDCEnabled && cfg.AllowLocalJWTFallback {
		log.Warn("auth.config.local_fallback_active",
			slog.String("detail", "federated and local token schemes are both accepted"))
	}

	dispatcher := dispatch.New(mcp.ImplementationInfo{
		Name:    serverName,
		Version: serverVersion,
	}, cfg.ToolTimeout, log)

	if cfg.EngineDSN != "" {
		engine, err := pgengine.New(ctx, cfg.EngineDSN, log)
		if err != nil {
			return fmt.Errorf("failed to connect query engine: %w", err)
		}
		defer engine.Close()
		if err := engine.Ping(ctx); err != nil {
			return fmt.Errorf("query engine unreachable: %w", err)
		}
		toolset.Register(dispatcher, engine)
		log.Info("engine.connected", slog.Int("tools", len(dispatcher.Tools())))
	} else {
		log.Warn("engine.disabled", slog.String("detail", "ENGINE_DSN not set; serving protocol surface without tools"))
	}

	registry := sessions.NewRegistry(log)
	go runSweeper(ctx, log, registry, cfg.SweepInterval, cfg.SessionIdleTimeout)

	handler, err := ssehttp.New(gateway, registry, dispatcher,
		ssehttp.WithLogger(log),
		ssehttp.WithKeepaliveInterval(cfg.KeepaliveInterval),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("http.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	log.Info("http.shutdown.done")
	return nil
}

// buildValidators assembles the enabled schemes in decision order: federated
// tokens, then local tokens, then API keys.
func buildValidators(ctx context.Context, cfg *config.Config, log *slog.Logger) ([]auth.Validator, func(), error) {
	var validators []auth.Validator
	cleanup := func() {}

	if cfg.OIDCEnabled {
		cache := auth.NewKeySetCache(cfg.OIDCIssuerURL, cfg.OIDCJWKSURL, cfg.OIDCJWKSTTL, cfg.OIDCJWKSGrace, log)
		if err := cache.Warm(ctx); err != nil {
			// Startup continues: the cache retries on demand and federated
			// requests fail closed until a fetch succeeds.
			log.Warn("jwks.warm.fail", slog.String("err", err.Error()))
		}
		fv, err := auth.NewFederatedTokenValidator(auth.FederatedConfig{
			Issuer:   cfg.OIDCIssuerURL,
			Audience: cfg.OIDCAudience,
		}, cache)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to build federated validator: %w", err)
		}
		validators = append(validators, fv)
	}

	if cfg.LocalJWTEnabled() {
		lv, err := auth.NewLocalTokenValidator(cfg.JWTSecretKey, cfg.JWTAlgorithm)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to build local token validator: %w", err)
		}
		validators = append(validators, lv)
	}

	if cfg.APIKeyFile != "" {
		kv, err := auth.NewAPIKeyValidatorFromFile(cfg.APIKeyFile, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to load API key file: %w", err)
		}
		cleanup = func() { _ = kv.Close() }
		validators = append(validators, kv)
	} else {
		validators = append(validators, auth.NewAPIKeyValidator(cfg.APIKeyList(), log))
	}

	return validators, cleanup, nil
}

func runSweeper(ctx context.Context, log *slog.Logger, registry *sessions.Registry, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.SweepIdle(idleTimeout); n > 0 {
				log.Info("session.sweep", slog.Int("closed", n), slog.Int("live", registry.Len()))
			}
		}
	}
}
