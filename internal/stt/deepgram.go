package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type EventType string

const (
	EventInterim      EventType = "interim"
	EventFinal        EventType = "final"
	EventUtteranceEnd EventType = "utterance_end"
	EventError        EventType = "error"
)

// Event is one recognition result. Final and utterance-end events carry the
// whole utterance joined from its is_final segments.
type Event struct {
	Type EventType
	Text string
	Err  error
	Raw  []byte
}

type Config struct {
	APIKey        string
	Model         string
	Language      string
	BaseURL       string
	EndpointingMs int
	UtterEndMs    int
	KeepAlive     time.Duration
	SocketMaxAge  time.Duration
}

// ErrCircuitOpen is reported while reconnects are paused after repeated failures.
var ErrCircuitOpen = errors.New("circuit open")

// errRotate ends a socket that reached SocketMaxAge; the reconnect is not a failure.
var errRotate = errors.New("socket max age reached")

// Conn maintains a live websocket to Deepgram for one call, sending mu-law
// 8kHz audio and receiving transcript events. It reconnects with backoff
// until closed.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	apiKey    string
	url       string
	keepAlive time.Duration
	maxAge    time.Duration

	sendQ  chan []byte
	ctrlQ  chan []byte
	events chan Event

	closeOnce sync.Once
	closed    atomic.Bool

	// Backoff/circuit
	fails   []time.Time
	circuit time.Time

	parser transcriptParser
}

func Dial(parent context.Context, cfg Config, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	q := url.Values{}
	q.Set("model", orDefault(cfg.Model, "nova-2-phonecall"))
	q.Set("language", orDefault(cfg.Language, "en"))
	q.Set("smart_format", "true")
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("endpointing", fmt.Sprintf("%d", nzd(cfg.EndpointingMs, 300)))
	q.Set("utterance_end_ms", fmt.Sprintf("%d", nzd(cfg.UtterEndMs, 1000)))
	base := orDefault(cfg.BaseURL, "wss://api.deepgram.com/v1/listen")
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 10 * time.Second
	}
	d := &Conn{
		ctx:       ctx,
		cancel:    cancel,
		log:       log.Named("deepgram"),
		apiKey:    cfg.APIKey,
		url:       base + "?" + q.Encode(),
		keepAlive: keepAlive,
		maxAge:    cfg.SocketMaxAge,
		sendQ:     make(chan []byte, 64),
		ctrlQ:     make(chan []byte, 4),
		events:    make(chan Event, 32),
	}
	gaugeSessions.Inc()
	go d.run()
	return d
}

func (d *Conn) Events() <-chan Event { return d.events }

// SendAudio enqueues one frame. Frames are dropped, not blocked on, under backpressure.
func (d *Conn) SendAudio(b []byte) bool {
	select {
	case d.sendQ <- b:
		metricAudioBytes.Add(float64(len(b)))
		metricFrames.Inc()
		gaugeQueueDepth.Set(float64(len(d.sendQ)))
		return true
	default:
		metricDrops.Inc()
		return false
	}
}

// Close asks the provider to finish the stream and tears the connection down
// shortly after. The event channel closes once the connection is gone.
func (d *Conn) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		select {
		case d.ctrlQ <- []byte(`{"type":"CloseStream"}`):
		default:
		}
		time.AfterFunc(time.Second, d.cancel)
	})
}

func (d *Conn) run() {
	defer close(d.events)
	defer gaugeSessions.Dec()
	for {
		err := d.connectAndPump()
		switch {
		case errors.Is(err, errRotate):
			d.resetFailures()
			if d.ctx.Err() == nil && !d.closed.Load() {
				d.log.Debug("rotating socket")
				continue
			}
		case err != nil && d.ctx.Err() == nil:
			d.addFailure()
			// surface so the session can run degraded
			d.emit(Event{Type: EventError, Err: fmt.Errorf("deepgram: %w", err)})
		default:
			d.resetFailures()
		}
		if d.ctx.Err() != nil || d.closed.Load() {
			d.cancel()
			return
		}
		t := time.NewTimer(d.nextBackoff())
		select {
		case <-d.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (d *Conn) connectAndPump() error {
	if time.Now().Before(d.circuit) {
		return ErrCircuitOpen
	}

	hdr := make(http.Header)
	if d.apiKey != "" {
		hdr.Set("Authorization", "Token "+d.apiKey)
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	ws, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		d.log.Warn("connect error", zap.Error(err))
		return err
	}
	d.log.Debug("connected", zap.Int64("ms", time.Since(start).Milliseconds()))
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))
	metricReconnects.Inc()
	ws.SetReadLimit(1 << 20)
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	connCtx, stop := context.WithCancel(d.ctx)
	defer stop()
	go d.pumpOut(connCtx, ws, stop)

	var rotated atomic.Bool
	if d.maxAge > 0 {
		t := time.AfterFunc(d.maxAge, func() {
			rotated.Store(true)
			stop()
		})
		defer t.Stop()
	}

	for {
		typ, data, err := ws.Read(connCtx)
		if err != nil {
			if rotated.Load() && d.ctx.Err() == nil {
				return errRotate
			}
			if d.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		evs, err := d.parser.handle(data)
		if err != nil {
			d.log.Debug("unparseable message", zap.Error(err))
			continue
		}
		for _, e := range evs {
			d.emit(e)
		}
	}
}

// pumpOut writes audio, control messages and the periodic keep-alive.
func (d *Conn) pumpOut(ctx context.Context, ws *websocket.Conn, stop context.CancelFunc) {
	defer stop()
	ka := time.NewTicker(d.keepAlive)
	defer ka.Stop()
	write := func(typ websocket.MessageType, b []byte) bool {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ws.Write(wctx, typ, b); err != nil {
			if ctx.Err() == nil {
				d.log.Warn("write error", zap.Error(err))
			}
			return false
		}
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ka.C:
			if !write(websocket.MessageText, []byte(`{"type":"KeepAlive"}`)) {
				return
			}
		case m := <-d.ctrlQ:
			if !write(websocket.MessageText, m) {
				return
			}
		case b := <-d.sendQ:
			if len(b) == 0 {
				continue
			}
			if !write(websocket.MessageBinary, b) {
				return
			}
		}
	}
}

func (d *Conn) emit(e Event) {
	select {
	case d.events <- e:
	default:
		metricEventDrops.Inc()
	}
}

func (d *Conn) addFailure() {
	d.fails = append(d.fails, time.Now())
	// prune older than 60s
	cutoff := time.Now().Add(-60 * time.Second)
	j := 0
	for _, t := range d.fails {
		if t.After(cutoff) {
			d.fails[j] = t
			j++
		}
	}
	d.fails = d.fails[:j]
	if len(d.fails) >= 3 {
		d.circuit = time.Now().Add(30 * time.Second)
		metricCircuitOpens.Inc()
	}
}

func (d *Conn) resetFailures() { d.fails = nil }

func (d *Conn) nextBackoff() time.Duration {
	n := len(d.fails)
	if n <= 0 {
		return time.Second
	}
	if n > 5 {
		n = 5
	}
	return time.Duration(1<<uint(n-1)) * time.Second
}

type dgMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Error       string `json:"err_msg"`
}

// transcriptParser turns provider messages into events. is_final segments
// accumulate until speech_final or UtteranceEnd closes the utterance.
type transcriptParser struct {
	segments []string
}

func (p *transcriptParser) handle(data []byte) ([]Event, error) {
	var m dgMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	switch {
	case strings.EqualFold(m.Type, "Error") || m.Error != "":
		msg := orDefault(m.Error, orDefault(m.Description, orDefault(m.Message, "provider_error")))
		return []Event{{Type: EventError, Err: errors.New(msg), Raw: data}}, nil

	case strings.EqualFold(m.Type, "Results"):
		text := ""
		if len(m.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(m.Channel.Alternatives[0].Transcript)
		}
		if text == "" {
			if m.IsFinal {
				metricEmptyFinalSkipped.Inc()
			}
			return nil, nil
		}
		if !m.IsFinal {
			return []Event{{Type: EventInterim, Text: text, Raw: data}}, nil
		}
		p.segments = append(p.segments, text)
		if !m.SpeechFinal {
			return nil, nil
		}
		utter := p.flush()
		metricFinalEmitted.WithLabelValues("speech_final").Inc()
		return []Event{{Type: EventFinal, Text: utter, Raw: data}}, nil

	case strings.EqualFold(m.Type, "UtteranceEnd"):
		metricUtteranceEvents.WithLabelValues("utterance_end").Inc()
		if len(p.segments) == 0 {
			return nil, nil
		}
		utter := p.flush()
		metricFinalEmitted.WithLabelValues("utterance_end").Inc()
		return []Event{{Type: EventUtteranceEnd, Text: utter, Raw: data}}, nil

	case strings.EqualFold(m.Type, "SpeechStarted"):
		metricUtteranceEvents.WithLabelValues("speech_started").Inc()
	}
	return nil, nil
}

func (p *transcriptParser) flush() string {
	s := strings.Join(p.segments, " ")
	p.segments = nil
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nzd(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
