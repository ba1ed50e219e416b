package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	siliconflowBase  = "https://api.siliconflow.cn/v1"
	siliconflowModel = "FunAudioLLM/SenseVoiceSmall"
)

// OpenAIRecognizer uploads the file to an OpenAI-compatible
// /audio/transcriptions endpoint. Defaults target SiliconFlow.
type OpenAIRecognizer struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

func NewOpenAIRecognizer(cfg Config) *OpenAIRecognizer {
	r := &OpenAIRecognizer{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  &http.Client{},
	}
	if r.apiBase == "" {
		r.apiBase = siliconflowBase
	}
	if r.model == "" {
		r.model = siliconflowModel
	}
	return r
}

func (r *OpenAIRecognizer) Name() string { return "openai" }

// Transcribe streams the file as multipart form data.
func (r *OpenAIRecognizer) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, r.model, filepath.Base(path), f)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase+"/audio/transcriptions", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("create asr request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asr request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("asr error %d: %s", resp.StatusCode, string(errBody))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode asr response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func writeForm(mw *multipart.Writer, model, filename string, audio io.Reader) error {
	if err := mw.WriteField("model", model); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, audio)
	return err
}
