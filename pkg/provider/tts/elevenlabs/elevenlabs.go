// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
)

const (
	providerName      = "elevenlabs"
	defaultAPIBase    = "https://api.elevenlabs.io"
	defaultStreamBase = "wss://api.elevenlabs.io"
	defaultModel      = "eleven_flash_v2_5"
	defaultOutputFmt  = "pcm_16000"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format (e.g., "pcm_16000", "pcm_24000").
// Rates other than 16 kHz are resampled before delivery.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice sets the voice used when a request does not name one.
func WithVoice(id string) Option {
	return func(p *Provider) {
		p.defaultVoice = id
	}
}

// WithBaseURL points both the REST and streaming endpoints at baseURL. An
// http(s) scheme is rewritten to ws(s) for streaming.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		base := strings.TrimRight(baseURL, "/")
		p.apiBase = base
		switch {
		case strings.HasPrefix(base, "https://"):
			p.streamBase = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			p.streamBase = "ws://" + strings.TrimPrefix(base, "http://")
		default:
			p.streamBase = base
		}
	}
}

// WithHTTPClient sets the client used for REST calls and the websocket
// handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	apiBase      string
	streamBase   string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		apiBase:      defaultAPIBase,
		streamBase:   defaultStreamBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := formatRate(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is the "begin of input" message that opens every stream.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting PCM16 16 kHz chunks.
//
// The returned audio channel is closed when synthesis is complete, when the
// server reports an error, or when ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, &tts.Error{Provider: providerName, Code: "missing_voice", Err: errors.New("voice.ID must not be empty")}
	}
	rate, err := formatRate(p.outputFormat)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, p.streamURL(voiceID, voice.Language), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		te := &tts.Error{Provider: providerName, Code: "dial", Err: err}
		if resp != nil {
			te.Code = strconv.Itoa(resp.StatusCode)
		}
		return nil, te
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.SpeedFactor}
	// ElevenLabs requires a non-empty first text value.
	boi, _ := json.Marshal(boiMessage{Text: " ", VoiceSettings: vs})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			defer cancel()
			p.readAudio(streamCtx, conn, rate, audioCh)
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					flush, _ := buildWSMessage("", nil)
					_ = conn.Write(streamCtx, websocket.MessageText, flush)
					<-readDone
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				// ElevenLabs buffers until it sees a trailing space.
				msg, _ := buildWSMessage(sentence+" ", nil)
				if err := conn.Write(streamCtx, websocket.MessageText, msg); err != nil {
					return
				}
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// readAudio forwards decoded audio until the final message, an error message
// or a read failure.
func (p *Provider) readAudio(ctx context.Context, conn *websocket.Conn, rate int, out chan<- []byte) {
	var carry []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			slog.Warn("elevenlabs: stream error", "error", resp.Error, "message", resp.Message)
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			// Chunks are not guaranteed to split on sample boundaries.
			pcm = append(carry, pcm...)
			whole := len(pcm) &^ 1
			carry = append([]byte(nil), pcm[whole:]...)
			pcm = audio.ResampleMono16(pcm[:whole], rate, audio.SampleRate)
			if len(pcm) > 0 {
				select {
				case out <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

func (p *Provider) streamURL(voiceID, language string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if lang := languageCode(language); lang != "" {
		q.Set("language_code", lang)
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.streamBase, url.PathEscape(voiceID), q.Encode())
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &tts.Error{
			Provider: providerName,
			Code:     strconv.Itoa(resp.StatusCode),
			Err:      errors.New("list voices: unexpected status"),
		}
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr), nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// parseVoicesResponse parses a raw /v1/voices body into voice profiles.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return toProfiles(vr), nil
}

func toProfiles(vr voicesResponse) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Metadata: meta,
		})
	}
	return profiles
}

// formatRate extracts the sample rate from a "pcm_<rate>" output format.
func formatRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not PCM", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no sample rate", format)
	}
	return rate, nil
}

// languageCode reduces a locale such as "zh-CN" to its ISO 639-1 part.
func languageCode(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	lang, _, _ = strings.Cut(lang, "_")
	return strings.ToLower(lang)
}
