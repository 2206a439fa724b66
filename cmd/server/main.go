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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	router "github.com/dkeye/mindflex/internal/adapters/http"
	"github.com/dkeye/mindflex/internal/adapters/livekit"
	"github.com/dkeye/mindflex/internal/adapters/storage/firestore"
	"github.com/dkeye/mindflex/internal/adapters/storage/memory"
	"github.com/dkeye/mindflex/internal/adapters/storage/sqlite"
	"github.com/dkeye/mindflex/internal/adapters/token"
	"github.com/dkeye/mindflex/internal/app"
	"github.com/dkeye/mindflex/internal/app/orch"
	"github.com/dkeye/mindflex/internal/app/sfu"
	"github.com/dkeye/mindflex/internal/config"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

func main() {
	var (
		configEnv = pflag.String("config-env", "", "config file suffix (config/config.<env>.yaml); defaults to $CONFIG_ENV or dev")
		port      = pflag.Int("port", 0, "listen port, overrides config")
		logLevel  = pflag.String("log-level", "", "zerolog level, overrides config")
		backend   = pflag.String("storage", "", "storage backend: memory, sqlite or firestore")
	)
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configEnv)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	setupLogging(cfg)

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open storage")
	}
	defer store.Close()

	issuer := token.NewIssuer(token.Config{
		ServerURL: cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		TTL:       cfg.LiveKit.TokenTTL,
	})
	if !issuer.Configured() {
		log.Warn().Msg("LiveKit is not configured; /api/token and sessions will fail")
	}

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Creds:    issuer,
		Dialer: livekit.NewDialer(livekit.Config{
			AgentPrefix:       cfg.LiveKit.AgentPrefix,
			PublishMicrophone: true,
		}),
		Store: store,
		Session: orch.SessionConfig{
			Room:              domain.RoomName(cfg.Session.Room),
			NavigateDelay:     cfg.Session.NavigateDelay,
			RedirectPath:      cfg.Session.RedirectPath,
			MirrorTranscripts: cfg.Session.MirrorTranscripts,
		},
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{Orch: o, Tokens: issuer, Store: store})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		log.Info().Str("addr", addr).Msg("MindFlex server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	})
	wg.Go(func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		o.Shutdown()
	})
	wg.Wait()
	log.Info().Msg("Server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.Storage) (core.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.NewStore(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "firestore":
		s, err := firestore.NewStore(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
