package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen-plus"

	siliconflowDefaultBase  = "https://api.siliconflow.cn/v1"
	siliconflowDefaultModel = "Qwen/Qwen2.5-7B-Instruct"
)

// DashScopeProvider wraps OpenAIProvider for Alibaba DashScope's
// compatible-mode endpoint.
// DashScope rejects temperature >= 2, so it is clamped.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Temperature >= 2 {
		slog.Debug("dashscope: clamping temperature", "requested", req.Temperature)
		req.Temperature = 1.99
	}
	return p.OpenAIProvider.Chat(ctx, req)
}

// NewSiliconFlowProvider returns an OpenAI-compatible provider preset for
// SiliconFlow.
func NewSiliconFlowProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = siliconflowDefaultBase
	}
	if defaultModel == "" {
		defaultModel = siliconflowDefaultModel
	}
	return NewOpenAIProvider("siliconflow", apiKey, apiBase, defaultModel)
}

// New builds a provider by kind: "siliconflow", "dashscope" or "openai".
func New(kind, apiKey, apiBase, model string) (Provider, error) {
	switch kind {
	case "siliconflow", "":
		return NewSiliconFlowProvider(apiKey, apiBase, model), nil
	case "dashscope":
		return NewDashScopeProvider(apiKey, apiBase, model), nil
	case "openai":
		return NewOpenAIProvider("openai", apiKey, apiBase, model), nil
	default:
		return nil, &UnknownKindError{Kind: kind}
	}
}

// UnknownKindError reports an unsupported provider kind in config.
type UnknownKindError struct{ Kind string }

func (e *UnknownKindError) Error() string { return "unknown chat provider: " + e.Kind }
