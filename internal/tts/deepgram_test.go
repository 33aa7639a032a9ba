package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// fakeSpeak echoes each Speak as one audio frame, acknowledges Flush, and on
// Clear sends a stale frame before the Cleared acknowledgement.
func fakeSpeak(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("container") != "none" || r.URL.Query().Get("encoding") != "mulaw" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			json.Unmarshal(data, &m)
			switch m.Type {
			case "Speak":
				c.Write(ctx, websocket.MessageBinary, []byte("A:"+m.Text))
			case "Flush":
				c.Write(ctx, websocket.MessageText, []byte(`{"type":"Flushed","sequence_id":1}`))
			case "Clear":
				c.Write(ctx, websocket.MessageBinary, []byte("stale"))
				c.Write(ctx, websocket.MessageText, []byte(`{"type":"Cleared","sequence_id":1}`))
			case "Close":
				return
			}
		}
	}))
}

func nextChunk(t *testing.T, c *Conn) Chunk {
	t.Helper()
	select {
	case ch, ok := <-c.Chunks():
		if !ok {
			t.Fatalf("chunks closed")
		}
		return ch
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for chunk")
	}
	return Chunk{}
}

func TestClearDiscardsInFlightAudio(t *testing.T) {
	srv := fakeSpeak(t)
	defer srv.Close()
	c := Dial(context.Background(), Config{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, zap.NewNop())
	defer c.Close()

	if err := c.Send(Directive{Kind: Speak, Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ch := nextChunk(t, c)
	if string(ch.Audio) != "A:hello" || ch.Epoch != 0 {
		t.Fatalf("unexpected first chunk %+v", ch)
	}

	if err := c.Send(Directive{Kind: Clear}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if c.Epoch() != 1 {
		t.Fatalf("clear should bump epoch, got %d", c.Epoch())
	}
	c.Send(Directive{Kind: Speak, Text: "next"})
	c.Send(Directive{Kind: Flush})

	ch = nextChunk(t, c)
	if string(ch.Audio) != "A:next" || ch.Epoch != 1 {
		t.Fatalf("expected post-clear audio, got %q epoch=%d", ch.Audio, ch.Epoch)
	}
	ch = nextChunk(t, c)
	if !ch.Flushed || ch.Epoch != 1 {
		t.Fatalf("expected flushed marker, got %+v", ch)
	}
}

func TestEncodeDirective(t *testing.T) {
	b, err := encodeDirective(Directive{Kind: Speak, Text: `say "hi"`})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != `{"type":"Speak","text":"say \"hi\""}` {
		t.Fatalf("unexpected speak payload %s", b)
	}
	b, _ = encodeDirective(Directive{Kind: Clear})
	if string(b) != `{"type":"Clear"}` {
		t.Fatalf("unexpected clear payload %s", b)
	}
	if _, err := encodeDirective(Directive{Kind: "Shout"}); err == nil {
		t.Fatalf("expected error for unknown directive")
	}
}

func TestClearDropsQueuedDirectives(t *testing.T) {
	// No server: nothing drains the queue.
	c := &Conn{sendQ: make(chan []byte, 4), chunks: make(chan Chunk, 4), log: zap.NewNop()}
	c.Send(Directive{Kind: Speak, Text: "one"})
	c.Send(Directive{Kind: Speak, Text: "two"})
	if err := c.Send(Directive{Kind: Clear}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(c.sendQ) != 1 {
		t.Fatalf("expected only the clear queued, got %d", len(c.sendQ))
	}
	if got := string(<-c.sendQ); got != `{"type":"Clear"}` {
		t.Fatalf("unexpected queued message %s", got)
	}
	c.onAudio([]byte("late"))
	if len(c.chunks) != 0 {
		t.Fatalf("audio before Cleared must be dropped")
	}
	c.onControl([]byte(`{"type":"Cleared"}`))
	c.onAudio([]byte("fresh"))
	if ch := <-c.chunks; string(ch.Audio) != "fresh" || ch.Epoch != 1 {
		t.Fatalf("unexpected chunk %+v", ch)
	}
}

func TestReconnectAfterUnacknowledgedClear(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			json.Unmarshal(data, &m)
			switch {
			case m.Type == "Clear" && n == 1:
				// drop the socket before acknowledging
				c.Close(websocket.StatusNormalClosure, "")
				return
			case m.Type == "Speak":
				c.Write(ctx, websocket.MessageBinary, []byte("A:"+m.Text))
			}
		}
	}))
	defer srv.Close()
	c := Dial(context.Background(), Config{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, zap.NewNop())
	defer c.Close()

	if err := c.Send(Directive{Kind: Clear}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("adapter never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Send(Directive{Kind: Speak, Text: "again"})
	ch := nextChunk(t, c)
	if string(ch.Audio) != "A:again" || ch.Epoch != 1 {
		t.Fatalf("expected audio after reconnect, got %+v", ch)
	}
}

func TestFullBufferKeepsCompletionChunks(t *testing.T) {
	c := &Conn{sendQ: make(chan []byte, 4), chunks: make(chan Chunk, 32), log: zap.NewNop()}
	for i := 0; i < 40; i++ {
		c.onAudio([]byte("x"))
	}
	if len(c.chunks) >= cap(c.chunks) {
		t.Fatalf("audio filled the whole buffer")
	}
	c.onControl([]byte(`{"type":"Flushed"}`))
	c.emit(Chunk{Err: errors.New("boom")})

	var got []Chunk
	for len(c.chunks) > 0 {
		got = append(got, <-c.chunks)
	}
	if len(got) < 2 {
		t.Fatalf("expected queued chunks, got %d", len(got))
	}
	if !got[len(got)-2].Flushed {
		t.Fatalf("flushed marker was dropped: %+v", got[len(got)-2])
	}
	if got[len(got)-1].Err == nil {
		t.Fatalf("error chunk was dropped: %+v", got[len(got)-1])
	}
}
