package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/devlink/internal/config"
	"github.com/nextlevelbuilder/devlink/internal/store/sqlstore"
	"github.com/nextlevelbuilder/devlink/internal/verification"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and provider health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("devlink doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("  Config problems:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("    - %s\n", line)
		}
	}

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	checkDatabase(cfg.Database)
	checkVerification(cfg.Verification)

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("ASR", cfg.Providers.ASR.Provider, cfg.Providers.ASR.APIKey)
	for i, t := range cfg.Providers.TTS {
		checkProvider(fmt.Sprintf("TTS[%d]", i), t.Provider, t.APIKey)
	}
	checkProvider("Chat", cfg.Providers.Chat.Provider, cfg.Providers.Chat.APIKey)
	if cfg.Providers.Chat.APIKey != "" {
		checkChatAuth(cfg.Providers.Chat)
	}

	// Gateway
	fmt.Println()
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	healthURL := fmt.Sprintf("http://%s:%d/healthz", host, cfg.Gateway.Port)
	fmt.Printf("  Gateway:  %s", healthURL)
	client := &http.Client{Timeout: 3 * time.Second}
	if resp, err := client.Get(healthURL); err != nil {
		fmt.Println(" (not running)")
	} else {
		resp.Body.Close()
		fmt.Printf(" (%s)\n", resp.Status)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(dc config.DatabaseConfig) {
	sc, err := storeConfig(dc)
	if err != nil {
		fmt.Printf("    %-14s %v\n", "Database:", err)
		return
	}
	db, err := sqlstore.Open(sc)
	if err != nil {
		fmt.Printf("    %-14s %s (%v)\n", "Database:", dc.Driver, err)
		return
	}
	db.Close()
	enc := "plain-text keys"
	if dc.EncryptionKey != "" {
		enc = "keys sealed"
	}
	fmt.Printf("    %-14s %s OK, %s\n", "Database:", dc.Driver, enc)
}

func checkVerification(vc config.VerificationConfig) {
	if vc.Backend != verification.BackendRedis {
		fmt.Printf("    %-14s %s (ttl %ds)\n", "Codes:", vc.Backend, vc.TTLSeconds)
		return
	}
	rs := verification.NewRedisStore(verification.RedisOptions{
		Addr:     vc.RedisAddr,
		Password: vc.RedisPassword,
		DB:       vc.RedisDB,
		Prefix:   vc.KeyPrefix,
	})
	defer rs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		fmt.Printf("    %-14s redis %s (%v)\n", "Codes:", vc.RedisAddr, err)
		return
	}
	fmt.Printf("    %-14s redis %s OK\n", "Codes:", vc.RedisAddr)
}

func checkProvider(label, kind, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-14s %s (not configured)\n", label+":", kind)
		return
	}
	fmt.Printf("    %-14s %s %s\n", label+":", kind, maskKey(apiKey))
}

// checkChatAuth POSTs an empty body to /chat/completions: 401/403 means the
// key is bad, 400/422 means auth passed.
func checkChatAuth(cc config.ChatConfig) {
	base := cc.APIBase
	if base == "" {
		switch cc.Provider {
		case "dashscope":
			base = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
		case "openai":
			base = "https://api.openai.com/v1"
		default:
			base = "https://api.siliconflow.cn/v1"
		}
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(base, "/")+"/chat/completions", strings.NewReader("{}"))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cc.APIKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("    %-14s unreachable (%v)\n", "Chat auth:", err)
		return
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		fmt.Printf("    %-14s INVALID KEY (%d)\n", "Chat auth:", resp.StatusCode)
	case resp.StatusCode >= 500:
		fmt.Printf("    %-14s provider error (%d)\n", "Chat auth:", resp.StatusCode)
	default:
		fmt.Printf("    %-14s OK\n", "Chat auth:")
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
