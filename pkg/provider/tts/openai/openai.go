// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// The speech endpoint is not incremental on the input side, so text
// fragments are collected until the text channel closes and then sent as one
// request. The PCM response (24 kHz) is streamed back resampled to 16 kHz.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
)

const (
	providerName = "openai"

	// DefaultModel is the default OpenAI speech model.
	DefaultModel = oai.SpeechModelTTS1

	// DefaultVoice is used when a request does not name a voice.
	DefaultVoice = "alloy"

	// responseRate is the sample rate of the API's raw PCM output.
	responseRate = 24000
	readChunk    = responseRate * audio.BytesPerSample / 10
)

// builtinVoices is the fixed voice catalogue of the speech API.
var builtinVoices = []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	voice      string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithVoice sets the voice used when a request does not name one.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI speech Provider.
// If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = string(DefaultModel)
	}

	cfg := &config{voice: DefaultVoice, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	if cfg.timeout > 0 {
		// No client timeout: it would cut off long response bodies.
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
	}, nil
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	input, err := collect(ctx, text)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input) == "" {
		return nil, &tts.Error{Provider: providerName, Code: "empty_input", Err: errors.New("no text to synthesise")}
	}

	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          input,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 {
		params.Speed = param.NewOpt(min(max(voice.SpeedFactor, 0.25), 4.0))
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &tts.Error{Provider: providerName, Code: strconv.Itoa(resp.StatusCode), Err: errors.New("speech: unexpected status")}
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		streamPCM(ctx, resp.Body, out)
	}()
	return out, nil
}

// ListVoices implements tts.Provider. The catalogue is fixed; the call
// verifies that the configured model is reachable with the API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if _, err := p.client.Models.Get(ctx, p.model); err != nil {
		return nil, wrapError(err)
	}
	voices := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		voices = append(voices, tts.VoiceProfile{ID: v, Name: v, Provider: providerName})
	}
	return voices, nil
}

// collect joins all fragments from text until it closes.
func collect(ctx context.Context, text <-chan string) (string, error) {
	var sb strings.Builder
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				return sb.String(), nil
			}
			sb.WriteString(frag)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// streamPCM reads 24 kHz PCM from r and sends it on out resampled to 16 kHz.
func streamPCM(ctx context.Context, r io.Reader, out chan<- []byte) {
	buf := make([]byte, readChunk)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pcm := append(carry, buf[:n]...)
			whole := len(pcm) &^ 1
			carry = append([]byte(nil), pcm[whole:]...)
			if chunk := audio.ResampleMono16(pcm[:whole], responseRate, audio.SampleRate); len(chunk) > 0 {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// wrapError converts an API error into a coded [tts.Error].
func wrapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if code == "" {
			code = strconv.Itoa(apiErr.StatusCode)
		}
		return &tts.Error{Provider: providerName, Code: code, Err: err}
	}
	return fmt.Errorf("openai tts: %w", err)
}
