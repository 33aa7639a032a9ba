package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func results(text string, isFinal, speechFinal bool) []byte {
	b := `{"type":"Results","is_final":` + boolStr(isFinal) + `,"speech_final":` + boolStr(speechFinal) +
		`,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
	return []byte(b)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestParserInterim(t *testing.T) {
	var p transcriptParser
	evs, err := p.handle(results("hel", false, false))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != EventInterim || evs[0].Text != "hel" {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestParserJoinsFinalSegments(t *testing.T) {
	var p transcriptParser
	if evs, _ := p.handle(results("I fell", true, false)); len(evs) != 0 {
		t.Fatalf("is_final alone should not emit, got %+v", evs)
	}
	evs, _ := p.handle(results("and I'm hurt", true, true))
	if len(evs) != 1 || evs[0].Type != EventFinal {
		t.Fatalf("expected final, got %+v", evs)
	}
	if evs[0].Text != "I fell and I'm hurt" {
		t.Fatalf("unexpected utterance %q", evs[0].Text)
	}
	if len(p.segments) != 0 {
		t.Fatalf("segments should reset")
	}
}

func TestParserUtteranceEnd(t *testing.T) {
	var p transcriptParser
	if evs, _ := p.handle([]byte(`{"type":"UtteranceEnd"}`)); len(evs) != 0 {
		t.Fatalf("utterance end with no segments should be silent")
	}
	p.handle(results("hello there", true, false))
	evs, _ := p.handle([]byte(`{"type":"UtteranceEnd","last_word_end":2.1}`))
	if len(evs) != 1 || evs[0].Type != EventUtteranceEnd || evs[0].Text != "hello there" {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestParserSkipsEmptyAndErrors(t *testing.T) {
	var p transcriptParser
	if evs, _ := p.handle(results("", false, false)); len(evs) != 0 {
		t.Fatalf("empty interim should be skipped")
	}
	evs, _ := p.handle([]byte(`{"type":"Error","description":"bad audio"}`))
	if len(evs) != 1 || evs[0].Type != EventError || !strings.Contains(evs[0].Err.Error(), "bad audio") {
		t.Fatalf("unexpected events %+v", evs)
	}
	if _, err := p.handle([]byte(`not json`)); err == nil {
		t.Fatalf("expected parse error")
	}
}

// fakeDeepgram accepts one socket, records text control frames and replies
// with a final transcript once audio arrives.
func fakeDeepgram(t *testing.T, control chan<- string, conns *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns != nil {
			conns.Add(1)
		}
		if got := r.Header.Get("Authorization"); got != "Token k" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.URL.Query().Get("encoding") != "mulaw" || r.URL.Query().Get("sample_rate") != "8000" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				c.Write(ctx, websocket.MessageText, results("hi", true, true))
				continue
			}
			select {
			case control <- string(data):
			default:
			}
			if strings.Contains(string(data), "CloseStream") {
				c.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}))
}

func TestConnStreamsAndCloses(t *testing.T) {
	control := make(chan string, 16)
	srv := fakeDeepgram(t, control, nil)
	defer srv.Close()

	d := Dial(context.Background(), Config{
		APIKey:    "k",
		BaseURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		KeepAlive: 50 * time.Millisecond,
	}, zap.NewNop())

	deadline := time.After(3 * time.Second)
waitFinal:
	for {
		d.SendAudio([]byte{0xff, 0xfe})
		select {
		case e := <-d.Events():
			if e.Type != EventFinal || e.Text != "hi" {
				t.Fatalf("unexpected event %+v", e)
			}
			break waitFinal
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no final received")
		}
	}

	sawKeepAlive := false
	for !sawKeepAlive {
		select {
		case m := <-control:
			sawKeepAlive = strings.Contains(m, "KeepAlive")
		case <-deadline:
			t.Fatalf("no keep-alive received")
		}
	}

	d.Close()
	for {
		select {
		case _, ok := <-d.Events():
			if !ok {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("events channel did not close")
		}
	}
}

func TestSocketRotationIsNotAnError(t *testing.T) {
	var conns atomic.Int32
	srv := fakeDeepgram(t, make(chan string, 16), &conns)
	defer srv.Close()

	d := Dial(context.Background(), Config{
		APIKey:       "k",
		BaseURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		KeepAlive:    time.Second,
		SocketMaxAge: 100 * time.Millisecond,
	}, zap.NewNop())
	defer d.Close()

	deadline := time.After(3 * time.Second)
	for conns.Load() < 3 {
		select {
		case e := <-d.Events():
			t.Fatalf("rotation surfaced an event %+v", e)
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("socket never rotated, conns=%d", conns.Load())
		}
	}

waitFinal:
	for {
		d.SendAudio([]byte{0xff})
		select {
		case e := <-d.Events():
			if e.Type == EventError {
				t.Fatalf("unexpected error event %v", e.Err)
			}
			if e.Type == EventFinal {
				break waitFinal
			}
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no final after rotation")
		}
	}
}
