package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// ErrNoProviders is returned when nothing is registered.
var ErrNoProviders = errors.New("no tts providers configured")

// Manager orchestrates TTS providers with fallback.
type Manager struct {
	providers map[string]Provider
	order     []string // registration order
	primary   string
	maxLength int // max text length in runes before truncation
}

// ManagerConfig configures the TTS manager.
type ManagerConfig struct {
	Primary   string // primary provider name; first registered if empty
	MaxLength int    // default 1500
}

// NewManager creates a TTS manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		providers: make(map[string]Provider),
		primary:   cfg.Primary,
		maxLength: cfg.MaxLength,
	}
	if m.maxLength <= 0 {
		m.maxLength = 1500
	}
	return m
}

// RegisterProvider adds a TTS provider.
func (m *Manager) RegisterProvider(p Provider) {
	if _, ok := m.providers[p.Name()]; !ok {
		m.order = append(m.order, p.Name())
	}
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// PrimaryProvider returns the primary provider name.
func (m *Manager) PrimaryProvider() string { return m.primary }

// HasProviders returns true if at least one provider is registered.
func (m *Manager) HasProviders() bool { return len(m.providers) > 0 }

// Synthesize tries the primary provider, then the others in registration
// order. The error from the last attempt is wrapped when all fail.
func (m *Manager) Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("tts: empty text")
	}
	if utf8.RuneCountInString(text) > m.maxLength {
		text = string([]rune(text)[:m.maxLength])
	}
	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, name := range m.attemptOrder() {
		p := m.providers[name]
		result, err := p.Synthesize(ctx, text, opts)
		if err == nil {
			result.Provider = name
			if name != m.primary {
				slog.Info("tts fallback succeeded", "provider", name)
			}
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("tts provider failed", "provider", name, "error", err)
	}
	return nil, fmt.Errorf("all tts providers failed: %w", lastErr)
}

func (m *Manager) attemptOrder() []string {
	order := make([]string, 0, len(m.order))
	if _, ok := m.providers[m.primary]; ok {
		order = append(order, m.primary)
	}
	for _, name := range m.order {
		if name != m.primary {
			order = append(order, name)
		}
	}
	return order
}
