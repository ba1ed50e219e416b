package asr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	cloudflareBase  = "https://api.cloudflare.com/client/v4/accounts"
	cloudflareModel = "@cf/openai/whisper-large-v3-turbo"
)

// CloudflareRecognizer runs Whisper on Cloudflare Workers AI.
type CloudflareRecognizer struct {
	apiKey    string
	apiBase   string
	accountID string
	model     string
	client    *http.Client
}

func NewCloudflareRecognizer(cfg Config) *CloudflareRecognizer {
	r := &CloudflareRecognizer{
		apiKey:    cfg.APIKey,
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		accountID: cfg.AccountID,
		model:     cfg.Model,
		client:    &http.Client{},
	}
	if r.apiBase == "" {
		r.apiBase = cloudflareBase
	}
	if r.model == "" {
		r.model = cloudflareModel
	}
	return r
}

func (r *CloudflareRecognizer) Name() string { return "cloudflare" }

type cloudflareResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Text string `json:"text"`
	} `json:"result"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Transcribe posts the file as base64 to {apiBase}/{account}/ai/run/{model}.
func (r *CloudflareRecognizer) Transcribe(ctx context.Context, path string) (string, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return "", fmt.Errorf("marshal cloudflare asr request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/ai/run/%s", r.apiBase, r.accountID, r.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create cloudflare asr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloudflare asr request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("cloudflare asr error %d: %s", resp.StatusCode, string(errBody))
	}

	var out cloudflareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode cloudflare asr response: %w", err)
	}
	if !out.Success {
		if len(out.Errors) > 0 {
			return "", fmt.Errorf("cloudflare asr: %s", out.Errors[0].Message)
		}
		return "", errors.New("cloudflare asr: request was not successful")
	}
	return strings.TrimSpace(out.Result.Text), nil
}
