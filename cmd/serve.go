package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/devlink/internal/asr"
	"github.com/nextlevelbuilder/devlink/internal/config"
	"github.com/nextlevelbuilder/devlink/internal/crypto"
	"github.com/nextlevelbuilder/devlink/internal/gateway"
	"github.com/nextlevelbuilder/devlink/internal/media"
	"github.com/nextlevelbuilder/devlink/internal/pairing"
	"github.com/nextlevelbuilder/devlink/internal/providers"
	"github.com/nextlevelbuilder/devlink/internal/registry"
	"github.com/nextlevelbuilder/devlink/internal/session"
	"github.com/nextlevelbuilder/devlink/internal/store/sqlstore"
	"github.com/nextlevelbuilder/devlink/internal/telemetry"
	"github.com/nextlevelbuilder/devlink/internal/tts"
	"github.com/nextlevelbuilder/devlink/internal/verification"
)

func serveCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the device and admin WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func runServe(ctx context.Context, autoMigrate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	// Device records
	sc, err := storeConfig(cfg.Database)
	if err != nil {
		return err
	}
	if autoMigrate {
		if err := sqlstore.Migrate(sc); err != nil {
			return err
		}
	}
	db, err := sqlstore.Open(sc)
	if err != nil {
		return err
	}
	defer db.Close()

	sealer, err := crypto.NewSealer(sc.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	if sealer == nil {
		slog.Warn("database.encryption_key not set, connection keys are stored in plain text")
	}
	devices := sqlstore.NewDeviceStore(db, sealer)

	// Verification codes
	codes, err := verification.New(verification.Options{
		Backend:       cfg.Verification.Backend,
		RedisAddr:     cfg.Verification.RedisAddr,
		RedisPassword: cfg.Verification.RedisPassword,
		RedisDB:       cfg.Verification.RedisDB,
		KeyPrefix:     cfg.Verification.KeyPrefix,
	})
	if err != nil {
		return err
	}
	defer codes.Close()
	if rs, ok := codes.(*verification.RedisStore); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Verification.RedisAddr, err)
		}
	}

	// Pairing and media
	connected := registry.New[session.Peer]()
	pairingSvc := pairing.NewService(codes, devices, connected, pairing.Config{
		TTL:         cfg.Verification.TTL(),
		MaxAttempts: cfg.Pairing.MaxAttempts,
	})

	mediaGW, err := buildMedia(cfg)
	if err != nil {
		return err
	}
	defer mediaGW.Close()

	coord := session.NewCoordinator(session.Config{
		Devices: connected,
		Pairing: pairingSvc,
		Media:   mediaGW,
		Store:   devices,
	})

	server := gateway.NewServer(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, coord, gateway.NewAuthenticator(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer))

	// Telemetry is optional; failure to reach the collector is not fatal.
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.New(ctx, telemetry.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
			Headers:     cfg.Telemetry.Headers,
		})
		if err != nil {
			slog.Warn("failed to create OTel exporter", "error", err)
		}
	}

	watcher := startConfigWatcher(resolveConfigPath(), pairingSvc, mediaGW)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if watcher != nil {
			watcher.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})

	slog.Info("devlink started",
		"version", Version,
		"addr", server.Addr(),
		"verification", cfg.Verification.Backend,
		"database", cfg.Database.Driver,
		"max_attempts", cfg.Pairing.MaxAttempts,
	)
	return g.Wait()
}

// buildMedia wires the ASR, TTS and chat providers into the media gateway.
func buildMedia(cfg *config.Config) (*media.Gateway, error) {
	pc := cfg.Providers

	recognizer, err := asr.New(asr.Config{
		Provider:  pc.ASR.Provider,
		APIKey:    pc.ASR.APIKey,
		APIBase:   pc.ASR.APIBase,
		AccountID: pc.ASR.AccountID,
		Model:     pc.ASR.Model,
	})
	if err != nil {
		return nil, err
	}

	synth := tts.NewManager(tts.ManagerConfig{})
	seen := make(map[string]bool)
	for i, t := range pc.TTS {
		name := t.Name
		if name == "" {
			name = t.Provider
		}
		if seen[name] {
			name = fmt.Sprintf("%s-%d", name, i)
		}
		seen[name] = true

		oc := tts.OpenAIConfig{
			Name:      name,
			APIKey:    t.APIKey,
			APIBase:   t.APIBase,
			Model:     t.Model,
			Voice:     t.Voice,
			Format:    t.Format,
			TimeoutMs: cfg.Media.TimeoutMs,
		}
		switch t.Provider {
		case "siliconflow":
			synth.RegisterProvider(tts.NewSiliconFlowProvider(oc))
		case "openai":
			synth.RegisterProvider(tts.NewOpenAIProvider(oc))
		default:
			return nil, fmt.Errorf("tts: unknown provider %q", t.Provider)
		}
	}
	if synth.HasProviders() {
		slog.Info("tts providers registered", "primary", synth.PrimaryProvider(), "count", len(pc.TTS))
	} else {
		slog.Warn("no tts providers configured; media.tts requests will fail")
	}

	chat, err := providers.New(pc.Chat.Provider, pc.Chat.APIKey, pc.Chat.APIBase, pc.Chat.Model)
	if err != nil {
		return nil, err
	}

	var limiter *media.RateLimiter
	if cfg.Media.RatePerMinute > 0 {
		limiter = media.NewRateLimiter(cfg.Media.RatePerMinute, cfg.Media.Burst)
	}

	return media.NewGateway(media.Config{
		Recognizer:    recognizer,
		Synthesizer:   synth,
		Chat:          chat,
		ChatModel:     pc.Chat.Model,
		SystemPrompt:  cfg.Media.SystemPrompt,
		TempDir:       cfg.Media.TempDir,
		Timeout:       cfg.Media.Timeout(),
		MaxAudioBytes: cfg.Media.MaxAudioBytes,
		Limiter:       limiter,
	})
}

// startConfigWatcher hot-reloads the attempt limit and media timeout. Other
// settings need a restart.
func startConfigWatcher(path string, svc *pairing.Service, gw *media.Gateway) *config.Watcher {
	if _, err := os.Stat(config.ExpandHome(path)); err != nil {
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil
	}
	w.OnChange(func(cfg *config.Config) {
		svc.SetMaxAttempts(cfg.Pairing.MaxAttempts)
		gw.SetTimeout(cfg.Media.Timeout())
		slog.Info("runtime settings updated",
			"max_attempts", cfg.Pairing.MaxAttempts,
			"media_timeout", cfg.Media.Timeout())
	})
	if err := w.Start(); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
		return nil
	}
	return w
}
