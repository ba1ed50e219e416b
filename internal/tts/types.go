// Package tts turns device text into audio through HTTP speech providers.
//
// Providers speak the OpenAI /audio/speech format; SiliconFlow CosyVoice is
// the default preset. The Manager tries its primary provider first and then
// the rest in registration order.
package tts

import "context"

// Provider synthesizes text into audio bytes.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts Options) (*SynthResult, error)
}

// Options controls synthesis parameters.
type Options struct {
	Voice  string // provider-specific voice ID
	Model  string // provider-specific model ID
	Format string // output format: "mp3", "wav", "opus", "pcm"
}

// SynthResult is the output of a TTS synthesis.
type SynthResult struct {
	Audio     []byte // raw audio bytes
	Extension string // file extension without dot
	MimeType  string
	Provider  string // name of the provider that produced the audio
}
