package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type DirectiveKind string

const (
	Speak DirectiveKind = "Speak"
	Flush DirectiveKind = "Flush"
	Clear DirectiveKind = "Clear"
)

type Directive struct {
	Kind DirectiveKind
	Text string
}

// Chunk is one unit of synthesizer output. Epoch is the clear generation the
// audio belongs to; Flushed marks completion of everything spoken before the
// last flush.
type Chunk struct {
	Audio   []byte
	Epoch   uint64
	Flushed bool
	Err     error
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

var ErrQueueFull = errors.New("tts send queue full")

// Conn streams text to Deepgram's speak websocket and emits mu-law 8kHz audio.
// After a Clear, audio is discarded until the provider acknowledges it, so no
// chunk for text spoken before the clear is emitted afterwards.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	apiKey string
	url    string

	sendQ  chan []byte
	chunks chan Chunk

	mu         sync.Mutex
	epoch      uint64
	discarding bool
	turnStart  time.Time

	closeOnce sync.Once
}

func Dial(parent context.Context, cfg Config, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	q := url.Values{}
	q.Set("model", orDefault(cfg.Model, "aura-asteria-en"))
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("container", "none")
	c := &Conn{
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("tts"),
		apiKey: cfg.APIKey,
		url:    orDefault(cfg.BaseURL, "wss://api.deepgram.com/v1/speak") + "?" + q.Encode(),
		sendQ:  make(chan []byte, 64),
		chunks: make(chan Chunk, 256),
	}
	go c.run()
	return c
}

func (c *Conn) Chunks() <-chan Chunk { return c.chunks }

// Epoch is the current clear generation. Chunks stamped with an older epoch
// belong to discarded speech.
func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Send enqueues a directive without blocking. Clear also drops any directives
// still waiting in the queue, since they belong to the discarded turn.
func (c *Conn) Send(d Directive) error {
	msg, err := encodeDirective(d)
	if err != nil {
		return err
	}
	metricDirectives.WithLabelValues(string(d.Kind)).Inc()
	switch d.Kind {
	case Clear:
		c.mu.Lock()
		c.epoch++
		c.discarding = true
		c.turnStart = time.Time{}
		c.mu.Unlock()
	drain:
		for {
			select {
			case <-c.sendQ:
			default:
				break drain
			}
		}
	case Speak:
		c.mu.Lock()
		if c.turnStart.IsZero() {
			c.turnStart = time.Now()
		}
		c.mu.Unlock()
	}
	select {
	case c.sendQ <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		select {
		case c.sendQ <- []byte(`{"type":"Close"}`):
		default:
		}
		time.AfterFunc(500*time.Millisecond, c.cancel)
	})
}

func encodeDirective(d Directive) ([]byte, error) {
	switch d.Kind {
	case Speak:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{"Speak", d.Text})
	case Flush, Clear:
		return []byte(`{"type":"` + string(d.Kind) + `"}`), nil
	default:
		return nil, fmt.Errorf("unknown directive %q", d.Kind)
	}
}

func (c *Conn) run() {
	defer close(c.chunks)
	backoff := time.Second
	for {
		err := c.connectAndPump()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			metricSynthesis.WithLabelValues("transport_error").Inc()
			c.emit(Chunk{Err: fmt.Errorf("tts transport: %w", err)})
		}
		t := time.NewTimer(backoff)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if backoff < 16*time.Second {
			backoff *= 2
		}
	}
}

func (c *Conn) connectAndPump() error {
	hdr := make(http.Header)
	if c.apiKey != "" {
		hdr.Set("Authorization", "Token "+c.apiKey)
	}
	dctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	ws, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		c.log.Warn("connect error", zap.Error(err))
		return err
	}
	metricConnectMS.Observe(float64(time.Since(start).Milliseconds()))
	// a fresh socket holds no audio from before a Clear, and will never
	// acknowledge one sent on the previous socket
	c.mu.Lock()
	c.discarding = false
	c.mu.Unlock()
	ws.SetReadLimit(1 << 20)
	defer ws.Close(websocket.StatusNormalClosure, "bye")

	connCtx, stop := context.WithCancel(c.ctx)
	defer stop()
	go func() {
		defer stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case m := <-c.sendQ:
				wctx, wcancel := context.WithTimeout(connCtx, 5*time.Second)
				err := ws.Write(wctx, websocket.MessageText, m)
				wcancel()
				if err != nil {
					if connCtx.Err() == nil {
						c.log.Warn("write error", zap.Error(err))
					}
					return
				}
			}
		}
	}()

	for {
		typ, data, err := ws.Read(connCtx)
		if err != nil {
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ == websocket.MessageBinary {
			c.onAudio(data)
			continue
		}
		c.onControl(data)
	}
}

func (c *Conn) onAudio(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discarding {
		metricDiscarded.Inc()
		return
	}
	if !c.turnStart.IsZero() {
		metricFirstFrameMS.Observe(float64(time.Since(c.turnStart).Milliseconds()))
		c.turnStart = time.Time{}
	}
	c.emitLocked(Chunk{Audio: b, Epoch: c.epoch})
}

type providerMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	ErrMsg      string `json:"err_msg"`
}

func (c *Conn) onControl(data []byte) {
	var m providerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.Debug("unparseable message", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.EqualFold(m.Type, "Cleared"):
		c.discarding = false
	case strings.EqualFold(m.Type, "Flushed"):
		if c.discarding {
			return
		}
		metricSynthesis.WithLabelValues("flushed").Inc()
		c.emitLocked(Chunk{Flushed: true, Epoch: c.epoch})
	case strings.EqualFold(m.Type, "Error"):
		metricSynthesis.WithLabelValues("provider_error").Inc()
		c.emitLocked(Chunk{Err: errors.New(orDefault(m.ErrMsg, orDefault(m.Description, "provider_error"))), Epoch: c.epoch})
	case strings.EqualFold(m.Type, "Warning"):
		c.log.Warn("provider warning", zap.String("description", m.Description))
	}
}

func (c *Conn) emit(ch Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch.Epoch = c.epoch
	c.emitLocked(ch)
}

// controlReserve is the tail of the chunk buffer that audio may not fill, so
// a consumer falling behind loses audio but never a Flushed or an error.
const controlReserve = 16

// emitLocked must hold mu so a concurrent Clear cannot slip between the
// discard check and delivery.
func (c *Conn) emitLocked(ch Chunk) {
	if ch.Audio != nil && len(c.chunks) >= cap(c.chunks)-min(controlReserve, cap(c.chunks)/4) {
		metricChunkDrops.Inc()
		return
	}
	select {
	case c.chunks <- ch:
	default:
		metricChunkDrops.Inc()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
