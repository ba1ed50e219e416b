package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	siliconflowBase  = "https://api.siliconflow.cn/v1"
	siliconflowModel = "FunAudioLLM/CosyVoice2-0.5B"
	siliconflowVoice = "FunAudioLLM/CosyVoice2-0.5B:alex"
)

// OpenAIProvider implements TTS via an OpenAI-compatible audio/speech API.
type OpenAIProvider struct {
	name      string
	apiKey    string
	apiBase   string
	model     string
	voice     string
	format    string
	timeoutMs int
}

// OpenAIConfig configures an OpenAI-compatible TTS provider.
type OpenAIConfig struct {
	Name      string // default "openai"
	APIKey    string
	APIBase   string
	Model     string
	Voice     string
	Format    string // default "mp3"
	TimeoutMs int    // default 30000
}

// NewOpenAIProvider creates an OpenAI-compatible TTS provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		name:      cfg.Name,
		apiKey:    cfg.APIKey,
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		model:     cfg.Model,
		voice:     cfg.Voice,
		format:    cfg.Format,
		timeoutMs: cfg.TimeoutMs,
	}
	if p.name == "" {
		p.name = "openai"
	}
	if p.apiBase == "" {
		p.apiBase = "https://api.openai.com/v1"
	}
	if p.model == "" {
		p.model = "gpt-4o-mini-tts"
	}
	if p.voice == "" {
		p.voice = "alloy"
	}
	if p.format == "" {
		p.format = "mp3"
	}
	if p.timeoutMs <= 0 {
		p.timeoutMs = 30000
	}
	return p
}

// NewSiliconFlowProvider presets the SiliconFlow CosyVoice endpoint.
func NewSiliconFlowProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Name == "" {
		cfg.Name = "siliconflow"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = siliconflowBase
	}
	if cfg.Model == "" {
		cfg.Model = siliconflowModel
	}
	if cfg.Voice == "" {
		cfg.Voice = siliconflowVoice
	}
	return NewOpenAIProvider(cfg)
}

func (p *OpenAIProvider) Name() string { return p.name }

// Synthesize calls POST {apiBase}/audio/speech with {model, input, voice, response_format}.
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error) {
	voice := opts.Voice
	if voice == "" {
		voice = p.voice
	}
	model := opts.Model
	if model == "" {
		model = p.model
	}
	format := opts.Format
	if format == "" {
		format = p.format
	}

	body := map[string]interface{}{
		"model":           model,
		"input":           text,
		"voice":           voice,
		"response_format": format,
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s tts request: %w", p.name, err)
	}

	url := p.apiBase + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("create %s tts request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	client := &http.Client{Timeout: time.Duration(p.timeoutMs) * time.Millisecond}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s tts request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s tts error %d: %s", p.name, resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s tts response: %w", p.name, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%s tts returned no audio", p.name)
	}

	ext, mime := formatInfo(format)
	return &SynthResult{
		Audio:     audio,
		Extension: ext,
		MimeType:  mime,
	}, nil
}

func formatInfo(format string) (ext, mime string) {
	switch format {
	case "opus":
		return "ogg", "audio/ogg"
	case "wav":
		return "wav", "audio/wav"
	case "pcm":
		return "pcm", "audio/L16"
	default:
		return "mp3", "audio/mpeg"
	}
}
