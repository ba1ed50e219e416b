// Package media proxies device speech and chat requests to external AI
// providers.
//
// Every operation runs under a bounded timeout, is rate limited per device and
// reports failures as *ProxyError. Audio handed to speech recognition is
// written to a request-scoped temp file that is removed on every exit path.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/devlink/internal/asr"
	"github.com/nextlevelbuilder/devlink/internal/metrics"
	"github.com/nextlevelbuilder/devlink/internal/providers"
	"github.com/nextlevelbuilder/devlink/internal/tts"
)

// Operation names used in errors, metrics and spans.
const (
	OpSpeechToText = "speech_to_text"
	OpTextToSpeech = "text_to_speech"
	OpChat         = "chat"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxAudioBytes = 10 << 20
	DefaultMaxTextRunes  = 2000
)

// Synthesizer produces audio from text. *tts.Manager implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.SynthResult, error)
}

// Config wires a Gateway. Nil collaborators disable the matching operation.
type Config struct {
	Recognizer    asr.Recognizer
	Synthesizer   Synthesizer
	Chat          providers.Provider
	ChatModel     string
	SystemPrompt  string
	TempDir       string
	Timeout       time.Duration
	MaxAudioBytes int
	Limiter       *RateLimiter
}

// Gateway is safe for concurrent use by many device sessions.
type Gateway struct {
	recognizer    asr.Recognizer
	synth         Synthesizer
	chat          providers.Provider
	chatModel     string
	systemPrompt  string
	tempDir       string
	maxAudioBytes int
	limiter       *RateLimiter

	timeout atomic.Int64 // nanoseconds
	tracer  trace.Tracer
}

// NewGateway creates the temp dir if needed.
func NewGateway(cfg Config) (*Gateway, error) {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "devlink-media")
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create media temp dir: %w", err)
	}

	g := &Gateway{
		recognizer:    cfg.Recognizer,
		synth:         cfg.Synthesizer,
		chat:          cfg.Chat,
		chatModel:     cfg.ChatModel,
		systemPrompt:  cfg.SystemPrompt,
		tempDir:       tempDir,
		maxAudioBytes: cfg.MaxAudioBytes,
		limiter:       cfg.Limiter,
		tracer:        otel.Tracer("devlink/media"),
	}
	if g.maxAudioBytes <= 0 {
		g.maxAudioBytes = DefaultMaxAudioBytes
	}
	g.SetTimeout(cfg.Timeout)
	return g, nil
}

// SetTimeout changes the provider timeout for subsequent calls.
func (g *Gateway) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	g.timeout.Store(int64(d))
}

// Timeout returns the current provider timeout.
func (g *Gateway) Timeout() time.Duration {
	return time.Duration(g.timeout.Load())
}

// TempDir returns the directory used for request-scoped audio files.
func (g *Gateway) TempDir() string { return g.tempDir }

// Close releases background resources.
func (g *Gateway) Close() {
	g.limiter.Stop()
}

// SpeechToText decodes base64 audio, stores it in a temp file for the
// recognizer, and returns the transcript.
func (g *Gateway) SpeechToText(ctx context.Context, deviceID, audioData string) (text string, err error) {
	c := g.begin(ctx, OpSpeechToText, deviceID)
	defer func() { c.end(err) }()

	if err := c.admit(g.limiter); err != nil {
		return "", err
	}
	if g.recognizer == nil {
		return "", c.fail(KindProviderFailure, "speech recognition is not configured", nil)
	}

	audio, err := decodeAudio(audioData, g.maxAudioBytes)
	if err != nil {
		return "", c.fail(KindMalformedPayload, err.Error(), nil)
	}
	c.span.SetAttributes(attribute.Int("media.audio_bytes", len(audio)))

	path := filepath.Join(g.tempDir, uuid.NewString()+".wav")
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return "", c.fail(KindProviderFailure, "could not buffer audio", err)
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("media: temp file cleanup failed", "path", path, "error", rmErr)
		}
	}()

	pctx, cancel := context.WithTimeout(c.ctx, g.Timeout())
	defer cancel()

	text, err = g.recognizer.Transcribe(pctx, path)
	if err != nil {
		return "", c.providerErr(pctx, "speech recognition failed", err)
	}
	return text, nil
}

// TextToSpeech synthesizes text and returns the audio as base64.
func (g *Gateway) TextToSpeech(ctx context.Context, deviceID, text string) (audioData string, err error) {
	c := g.begin(ctx, OpTextToSpeech, deviceID)
	defer func() { c.end(err) }()

	if err := c.admit(g.limiter); err != nil {
		return "", err
	}
	if g.synth == nil {
		return "", c.fail(KindProviderFailure, "speech synthesis is not configured", nil)
	}
	if err := checkText(text); err != nil {
		return "", c.fail(KindMalformedPayload, err.Error(), nil)
	}

	pctx, cancel := context.WithTimeout(c.ctx, g.Timeout())
	defer cancel()

	res, err := g.synth.Synthesize(pctx, text, tts.Options{})
	if err != nil {
		return "", c.providerErr(pctx, "speech synthesis failed", err)
	}
	c.span.SetAttributes(
		attribute.String("media.tts_provider", res.Provider),
		attribute.Int("media.audio_bytes", len(res.Audio)),
	)
	return base64.StdEncoding.EncodeToString(res.Audio), nil
}

// Chat returns the model's reply to a single user utterance.
func (g *Gateway) Chat(ctx context.Context, deviceID, text string) (reply string, err error) {
	c := g.begin(ctx, OpChat, deviceID)
	defer func() { c.end(err) }()

	if err := c.admit(g.limiter); err != nil {
		return "", err
	}
	if g.chat == nil {
		return "", c.fail(KindProviderFailure, "chat is not configured", nil)
	}
	if err := checkText(text); err != nil {
		return "", c.fail(KindMalformedPayload, err.Error(), nil)
	}

	msgs := make([]providers.Message, 0, 2)
	if g.systemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: g.systemPrompt})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: text})

	pctx, cancel := context.WithTimeout(c.ctx, g.Timeout())
	defer cancel()

	resp, err := g.chat.Chat(pctx, providers.ChatRequest{Messages: msgs, Model: g.chatModel})
	if err != nil {
		return "", c.providerErr(pctx, "chat failed", err)
	}
	c.span.SetAttributes(attribute.String("gen_ai.system", g.chat.Name()))
	if resp.Usage != nil {
		c.span.SetAttributes(attribute.Int("gen_ai.usage.total_tokens", resp.Usage.TotalTokens))
	}
	return resp.Content, nil
}

// call tracks one proxied operation for errors, metrics and tracing.
type call struct {
	op       string
	deviceID string
	start    time.Time
	ctx      context.Context
	span     trace.Span
}

func (g *Gateway) begin(ctx context.Context, op, deviceID string) *call {
	ctx, span := g.tracer.Start(ctx, "media."+op,
		trace.WithAttributes(attribute.String("devlink.device_id", deviceID)))
	return &call{op: op, deviceID: deviceID, start: time.Now(), ctx: ctx, span: span}
}

func (c *call) admit(l *RateLimiter) error {
	if l.Allow(c.deviceID) {
		return nil
	}
	return c.fail(KindRateLimited, "too many requests, slow down", nil)
}

func (c *call) fail(kind ErrorKind, msg string, cause error) *ProxyError {
	return &ProxyError{
		Kind:     kind,
		Op:       c.op,
		DeviceID: c.deviceID,
		Elapsed:  time.Since(c.start),
		Message:  msg,
		Err:      cause,
	}
}

// providerErr reports a timeout distinctly from other provider failures.
func (c *call) providerErr(pctx context.Context, msg string, cause error) *ProxyError {
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return c.fail(KindProviderFailure, "provider timed out", cause)
	}
	return c.fail(KindProviderFailure, msg, cause)
}

func (c *call) end(err error) {
	elapsed := time.Since(c.start)
	result := "ok"
	if err != nil {
		var pe *ProxyError
		if errors.As(err, &pe) {
			result = pe.Kind.String()
		} else {
			result = "error"
		}
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, result)
		slog.Warn("media request failed", "op", c.op, "device", c.deviceID, "elapsed", elapsed, "error", err)
	} else {
		slog.Debug("media request done", "op", c.op, "device", c.deviceID, "elapsed", elapsed)
	}
	metrics.MediaRequests.WithLabelValues(c.op, result).Inc()
	metrics.MediaDuration.WithLabelValues(c.op).Observe(elapsed.Seconds())
	c.span.End()
}

func decodeAudio(data string, max int) ([]byte, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, errors.New("audio data is required")
	}
	if i := strings.Index(data, ";base64,"); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+len(";base64,"):]
	}
	if base64.StdEncoding.DecodedLen(len(data)) > max+3 {
		return nil, fmt.Errorf("audio exceeds %d bytes", max)
	}
	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.New("audio data is not valid base64")
	}
	if len(audio) == 0 {
		return nil, errors.New("audio data is empty")
	}
	if len(audio) > max {
		return nil, fmt.Errorf("audio exceeds %d bytes", max)
	}
	return audio, nil
}

func checkText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	if len([]rune(text)) > DefaultMaxTextRunes {
		return fmt.Errorf("text exceeds %d characters", DefaultMaxTextRunes)
	}
	return nil
}
