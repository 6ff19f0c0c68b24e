// Package realtime implements [asr.Transport] over a realtime-style
// recognition websocket.
//
// The protocol follows the OpenAI Realtime event shapes: the client opens
// with a single session.update, streams audio as base64 PCM16 in
// input_audio_buffer.append events, and ends client-driven turns with
// input_audio_buffer.commit. Transcripts come back as transcription delta,
// completed and conversation.item.created events.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/asr"
)

var _ asr.Transport = (*Transport)(nil)

const (
	defaultLanguage  = "zh"
	defaultSilenceMs = 1000
	defaultSendQueue = 64
	readLimit        = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithClock replaces time.Now for event ids.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithSendQueue sets how many outbound messages may wait for the writer
// before further frames are dropped.
func WithSendQueue(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is a realtime recognition websocket client. At most one
// connection is live at a time; Connect replaces it.
type Transport struct {
	listener   asr.Listener
	httpClient *http.Client
	now        func() time.Time
	queueSize  int

	seq     atomic.Uint64
	dropped atomic.Int64

	// mu guards cur. A connection that is no longer cur is being closed on
	// purpose and must not report errors or transcripts.
	mu  sync.Mutex
	cur *connection
}

// connection is one dial attempt and, once open, its read and write loops.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	open   atomic.Bool
	done   chan struct{}
}

// New creates a Transport delivering recognizer output to l.
func New(l asr.Listener, opts ...Option) *Transport {
	t := &Transport{
		listener:  l,
		now:       time.Now,
		queueSize: defaultSendQueue,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect implements [asr.Transport]. It validates cfg, tears down the
// previous connection and dials in the background. Values carried by ctx
// (trace spans) are kept for the connection; its cancellation is not.
func (t *Transport) Connect(ctx context.Context, cfg asr.ConnectConfig) error {
	wsURL, err := buildURL(cfg.URL, cfg.Model)
	if err != nil {
		return err
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.SilenceMs <= 0 {
		cfg.SilenceMs = defaultSilenceMs
	}

	t.Disconnect()

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &connection{
		ctx:    cctx,
		cancel: cancel,
		out:    make(chan []byte, t.queueSize),
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.cur = c
	t.mu.Unlock()

	go t.run(c, wsURL, cfg)
	return nil
}

// SendFrame implements [asr.Transport].
func (t *Transport) SendFrame(frame []byte) {
	c := t.active()
	if c == nil || len(frame) == 0 {
		return
	}
	msg, err := json.Marshal(appendMessage{
		EventID: t.eventID("evt"),
		Type:    "input_audio_buffer.append",
		Audio:   base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return
	}
	t.enqueue(c, msg)
}

// Commit implements [asr.Transport].
func (t *Transport) Commit() {
	c := t.active()
	if c == nil {
		return
	}
	msg, err := json.Marshal(commitMessage{
		EventID: t.eventID("evt_commit"),
		Type:    "input_audio_buffer.commit",
	})
	if err != nil {
		return
	}
	t.enqueue(c, msg)
}

// Disconnect implements [asr.Transport]. It returns once the connection's
// goroutines have exited.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Connected implements [asr.Transport].
func (t *Transport) Connected() bool {
	return t.active() != nil
}

// Dropped returns how many outbound messages were discarded because the
// writer could not keep up.
func (t *Transport) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Transport) active() *connection {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil || !c.open.Load() {
		return nil
	}
	return c
}

func (t *Transport) enqueue(c *connection, msg []byte) {
	select {
	case c.out <- msg:
	default:
		if t.dropped.Add(1) == 1 {
			slog.Warn("asr: send queue full, dropping audio")
		}
	}
}

func (t *Transport) eventID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, t.now().UnixMilli(), t.seq.Add(1))
}

// report invokes fn with the listener only while c is still the current
// connection. Holding mu across the call orders it before any Disconnect.
func (t *Transport) report(c *connection, fn func(asr.Listener)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != c || t.listener == nil {
		return
	}
	fn(t.listener)
}

func (t *Transport) fail(c *connection, msg string) {
	t.report(c, func(l asr.Listener) { l.OnError(msg) })
}

// run owns the lifetime of one connection.
func (t *Transport) run(c *connection, wsURL string, cfg asr.ConnectConfig) {
	defer close(c.done)
	defer c.cancel()

	ws, _, err := websocket.Dial(c.ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if c.ctx.Err() == nil {
			t.fail(c, asr.PrefixConnectionLost+err.Error())
		}
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	update, err := json.Marshal(t.sessionUpdate(cfg))
	if err == nil {
		err = ws.Write(c.ctx, websocket.MessageText, update)
	}
	if err != nil {
		if c.ctx.Err() == nil {
			t.fail(c, asr.PrefixSendFailed+err.Error())
		}
		return
	}
	c.open.Store(true)
	defer c.open.Store(false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.writeLoop(c, ws)
	}()
	t.readLoop(c, ws)
	c.cancel()
	wg.Wait()
}

func (t *Transport) writeLoop(c *connection, ws *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			if err := ws.Write(c.ctx, websocket.MessageText, msg); err != nil {
				if c.ctx.Err() == nil {
					t.fail(c, asr.PrefixSendFailed+err.Error())
					c.cancel()
				}
				return
			}
		}
	}
}

func (t *Transport) readLoop(c *connection, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			t.fail(c, asr.PrefixConnectionLost+err.Error())
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.fail(c, "asr_parse_error: "+err.Error())
			continue
		}
		t.handle(c, &evt)
	}
}

func (t *Transport) handle(c *connection, evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta",
		"conversation.item.input_audio_transcription.text",
		"response.audio_transcript.delta":
		text := evt.Text
		if text == "" {
			text = evt.Delta
		}
		if isBlank(text) {
			return
		}
		t.report(c, func(l asr.Listener) { l.OnInterim(text) })

	case "conversation.item.input_audio_transcription.completed",
		"response.audio_transcript.done":
		if isBlank(evt.Transcript) {
			return
		}
		t.report(c, func(l asr.Listener) { l.OnFinal(evt.Transcript) })

	case "conversation.item.created":
		if evt.Item == nil {
			return
		}
		for _, part := range evt.Item.Content {
			text := part.Transcript
			if text == "" {
				text = part.Text
			}
			if !isBlank(text) {
				t.report(c, func(l asr.Listener) { l.OnFinal(text) })
				return
			}
		}

	case "error":
		msg := "unknown_asr_error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		t.fail(c, msg)
	}
}

func (t *Transport) sessionUpdate(cfg asr.ConnectConfig) sessionUpdateMessage {
	sess := sessionConfig{
		Modalities:              []string{"text"},
		InputAudioFormat:        "pcm",
		SampleRate:              audio.SampleRate,
		InputAudioTranscription: transcriptionConfig{Language: cfg.Language},
	}
	if cfg.UseServerVAD {
		sess.TurnDetection = &turnDetection{Type: "server_vad", SilenceDurationMs: cfg.SilenceMs}
	}
	return sessionUpdateMessage{
		EventID: t.eventID("evt_session_update"),
		Type:    "session.update",
		Session: sess,
	}
}

// buildURL validates raw and appends the model query parameter.
func buildURL(raw, model string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", asr.ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", asr.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", asr.ErrInvalidURL)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string            `json:"modalities"`
	InputAudioFormat        string              `json:"input_audio_format"`
	SampleRate              int                 `json:"sample_rate"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	// TurnDetection is serialised as null when the client controls turns.
	TurnDetection *turnDetection `json:"turn_detection"`
}

type transcriptionConfig struct {
	Language string `json:"language"`
}

type turnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
}

type appendMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type commitMessage struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Text       string       `json:"text,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Item       *serverItem  `json:"item,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverItem struct {
	Content []serverContent `json:"content"`
}

type serverContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
