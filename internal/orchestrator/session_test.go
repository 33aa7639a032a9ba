package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callbridge/agent/internal/callstate"
	"callbridge/agent/internal/llm"
	"callbridge/agent/internal/stt"
	"callbridge/agent/internal/tts"
)

type fakeRecognizer struct {
	mu     sync.Mutex
	frames int
	events chan stt.Event
	closed atomic.Bool
}

func newFakeRecognizer() *fakeRecognizer { return &fakeRecognizer{events: make(chan stt.Event, 8)} }

func (r *fakeRecognizer) SendAudio(b []byte) bool {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
	return true
}
func (r *fakeRecognizer) Events() <-chan stt.Event { return r.events }
func (r *fakeRecognizer) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.events)
	}
}

// blockingGenerator never yields on its own; tests post fragments directly.
type blockingGenerator struct {
	calls atomic.Int32
	last  []llm.Message
	mu    sync.Mutex
}

func (g *blockingGenerator) Generate(ctx context.Context, msgs []llm.Message) (<-chan llm.Fragment, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.last = msgs
	g.mu.Unlock()
	out := make(chan llm.Fragment)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

type fakeSynth struct {
	mu         sync.Mutex
	directives []tts.Directive
	epoch      atomic.Uint64
	chunks     chan tts.Chunk
	closed     atomic.Bool
}

func newFakeSynth() *fakeSynth { return &fakeSynth{chunks: make(chan tts.Chunk, 8)} }

func (s *fakeSynth) Send(d tts.Directive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Kind == tts.Clear {
		s.epoch.Add(1)
	}
	s.directives = append(s.directives, d)
	return nil
}
func (s *fakeSynth) Chunks() <-chan tts.Chunk { return s.chunks }
func (s *fakeSynth) Epoch() uint64            { return s.epoch.Load() }
func (s *fakeSynth) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.chunks)
	}
}

func (s *fakeSynth) kinds() []tts.DirectiveKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tts.DirectiveKind
	for _, d := range s.directives {
		out = append(out, d.Kind)
	}
	return out
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.directives {
		if d.Kind == tts.Speak {
			out = append(out, d.Text)
		}
	}
	return out
}

type fakeOutbound struct {
	mu  sync.Mutex
	ops []string
}

func (o *fakeOutbound) SendAudio(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, "audio:"+string(p))
	return nil
}
func (o *fakeOutbound) SendClear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, "clear")
	return nil
}

type fakeRecords struct {
	mu          sync.Mutex
	failCreate  int
	failUpdate  int
	nextID      int64
	transcripts []string
	ended       string
	endedCalls  int
	alerts      int
}

func (r *fakeRecords) CreateCall(ctx context.Context, callSID, origin string, startedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate > 0 {
		r.failCreate--
		return 0, errors.New("db down")
	}
	r.nextID++
	return r.nextID, nil
}

func (r *fakeRecords) UpdateTranscript(ctx context.Context, id int64, transcript string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate > 0 {
		r.failUpdate--
		return errors.New("db down")
	}
	r.transcripts = append(r.transcripts, transcript)
	return nil
}

func (r *fakeRecords) EndCall(ctx context.Context, id int64, transcript string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = transcript
	r.endedCalls++
	return nil
}

func (r *fakeRecords) MarkAlert(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts++
	return nil
}

type harness struct {
	s     *Session
	rec   *fakeRecognizer
	gen   *blockingGenerator
	synth *fakeSynth
	out   *fakeOutbound
	db    *fakeRecords
	cache *callstate.Store
}

func newHarness(t *testing.T, db *fakeRecords) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := newSessionHarness(callstate.New(rdb, callstate.Options{}), db)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.s.begin(ctx)
	return h
}

// newSessionHarness builds a session on cache without starting it.
func newSessionHarness(cache *callstate.Store, db *fakeRecords) *harness {
	if db == nil {
		db = &fakeRecords{}
	}
	h := &harness{
		rec:   newFakeRecognizer(),
		gen:   &blockingGenerator{},
		synth: newFakeSynth(),
		out:   &fakeOutbound{},
		db:    db,
		cache: cache,
	}
	log := zap.NewNop()
	h.s = NewSession(CallInfo{ID: "call-1", CallSID: "CA1", Owner: "u1", Origin: "+15550001"}, Deps{
		Recognizer:  h.rec,
		Generator:   h.gen,
		Synthesizer: h.synth,
		Outbound:    h.out,
		Calls:       cache,
		Records:     db,
		Alerter:     NewAlerter(cache, db, nil, log),
		Logger:      log,
	}, Options{Persona: "be kind", MaxHistory: 4})
	return h
}

func (h *harness) fragment(text string) { h.s.handle(event{kind: EvFragment, turn: h.s.turn, text: text}) }

func (h *harness) audio(epoch uint64, p string) {
	h.s.handle(event{kind: EvSynthAudio, epoch: epoch, audio: []byte(p)})
}

func TestTurnSpeaksSentencesAndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s

	s.handle(event{kind: EvFinal, text: "how are you"})
	if s.State() != Generating {
		t.Fatalf("expected generating, got %v", s.State())
	}
	h.fragment("I am well. How ")
	h.fragment("are you")
	if s.State() != Speaking {
		t.Fatalf("expected speaking, got %v", s.State())
	}
	if got := h.synth.spoken(); len(got) != 1 || got[0] != "I am well." {
		t.Fatalf("unexpected speak directives: %v", got)
	}
	h.audio(h.synth.Epoch(), "a1")
	s.handle(event{kind: EvGenerationEnd, turn: s.turn})
	if got := h.synth.spoken(); len(got) != 2 || got[1] != "How are you" {
		t.Fatalf("expected remainder spoken, got %v", got)
	}
	s.handle(event{kind: EvSynthFlushed, epoch: h.synth.Epoch()})
	if s.State() != Listening {
		t.Fatalf("expected listening after flush, got %v", s.State())
	}

	if len(s.history.turns) != 2 || s.history.turns[1].Content != "I am well. How are you" {
		t.Fatalf("unexpected history: %+v", s.history.turns)
	}
	if len(h.out.ops) != 1 || h.out.ops[0] != "audio:a1" {
		t.Fatalf("unexpected outbound: %v", h.out.ops)
	}
	call, err := h.cache.GetState(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if call.FinalTranscript != "how are you" || call.State != "listening" {
		t.Fatalf("unexpected cached call: %+v", call)
	}
}

func TestBargeInClearsPlaybackBeforeAnyNewAudio(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s

	s.handle(event{kind: EvFinal, text: "tell me a story"})
	h.fragment("Once upon a time. ")
	old := h.synth.Epoch()
	h.audio(old, "a1")
	h.audio(old, "a2")
	staleTurn := s.turn

	s.handle(event{kind: EvInterim, text: "wait"})
	if s.State() != Listening {
		t.Fatalf("expected listening after barge-in, got %v", s.State())
	}

	// audio synthesized before the clear must never reach the caller
	h.audio(old, "late")
	// and neither may fragments of the cancelled turn
	s.handle(event{kind: EvFragment, turn: staleTurn, text: "There was a dragon. "})
	h.audio(h.synth.Epoch(), "fresh-but-listening")

	want := []string{"audio:a1", "audio:a2", "clear"}
	if len(h.out.ops) != len(want) {
		t.Fatalf("outbound = %v, want %v", h.out.ops, want)
	}
	for i := range want {
		if h.out.ops[i] != want[i] {
			t.Fatalf("outbound = %v, want %v", h.out.ops, want)
		}
	}
	kinds := h.synth.kinds()
	if kinds[len(kinds)-1] != tts.Clear {
		t.Fatalf("expected synth clear last, got %v", kinds)
	}
	if h.synth.Epoch() == old {
		t.Fatalf("epoch not advanced")
	}
	// the interrupted reply is kept as said so far
	if len(s.history.turns) != 2 || s.history.turns[1].Content != "Once upon a time." {
		t.Fatalf("unexpected history: %+v", s.history.turns)
	}
}

func TestFinalWhileSpeakingStartsNewTurn(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s

	s.handle(event{kind: EvFinal, text: "U1"})
	first := s.turn
	h.fragment("Reply one. ")
	s.handle(event{kind: EvFinal, text: "U2"})

	if s.State() != Generating {
		t.Fatalf("expected generating, got %v", s.State())
	}
	if s.turn == first {
		t.Fatalf("turn not advanced")
	}
	if h.out.ops[len(h.out.ops)-1] != "clear" {
		t.Fatalf("expected clear, got %v", h.out.ops)
	}
	if s.transcript != "U1 U2" {
		t.Fatalf("transcript = %q", s.transcript)
	}
	if last := h.db.transcripts[len(h.db.transcripts)-1]; last != "U1 U2" {
		t.Fatalf("durable transcript = %q", last)
	}
	if h.gen.calls.Load() != 2 {
		// the generator goroutine runs asynchronously
		deadline := time.Now().Add(time.Second)
		for h.gen.calls.Load() != 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}
	h.gen.mu.Lock()
	msgs := h.gen.last
	h.gen.mu.Unlock()
	if len(msgs) == 0 || msgs[0].Role != llm.RoleSystem || msgs[len(msgs)-1].Content != "U2" {
		t.Fatalf("unexpected prompt: %+v", msgs)
	}
}

func TestEmptyGenerationReturnsToListening(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s
	s.handle(event{kind: EvFinal, text: "hm"})
	s.handle(event{kind: EvGenerationEnd, turn: s.turn})
	if s.State() != Listening {
		t.Fatalf("expected listening, got %v", s.State())
	}
	if len(h.synth.spoken()) != 0 {
		t.Fatalf("nothing should have been spoken")
	}
}

func TestGenerationErrorAbortsTurn(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s
	s.handle(event{kind: EvFinal, text: "hello"})
	h.fragment("Hi. ")
	h.audio(h.synth.Epoch(), "a1")
	s.handle(event{kind: EvGenerationError, turn: s.turn, err: ErrProvider})
	if s.State() != Listening {
		t.Fatalf("expected listening, got %v", s.State())
	}
	if h.out.ops[len(h.out.ops)-1] != "clear" {
		t.Fatalf("expected playback cleared, got %v", h.out.ops)
	}
	// the session keeps serving the call
	s.handle(event{kind: EvFinal, text: "again"})
	if s.State() != Generating {
		t.Fatalf("expected generating, got %v", s.State())
	}
}

func TestFailedRecordCreateIsRetried(t *testing.T) {
	h := newHarness(t, &fakeRecords{failCreate: 1})
	s := h.s
	if s.recordID != 0 || !s.durableDirty {
		t.Fatalf("expected missing row after failed create")
	}
	s.handle(event{kind: EvFinal, text: "hello"})
	if s.recordID == 0 {
		t.Fatalf("row not created on retry")
	}
	if len(h.db.transcripts) != 1 || h.db.transcripts[0] != "hello" {
		t.Fatalf("unexpected durable transcripts: %v", h.db.transcripts)
	}
	if s.durableDirty {
		t.Fatalf("dirty flag not cleared")
	}
}

func TestFailedTranscriptWriteRepairedByNextCommit(t *testing.T) {
	h := newHarness(t, &fakeRecords{failUpdate: 1})
	s := h.s
	s.handle(event{kind: EvFinal, text: "one"})
	if !s.durableDirty {
		t.Fatalf("expected dirty after failed write")
	}
	s.handle(event{kind: EvFinal, text: "two"})
	if s.durableDirty || h.db.transcripts[len(h.db.transcripts)-1] != "one two" {
		t.Fatalf("transcript not repaired: %v", h.db.transcripts)
	}
}

func TestAlertDispatchedOncePerCall(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s
	s.handle(event{kind: EvFinal, text: "I fell down"})
	s.handle(event{kind: EvFinal, text: "please help"})
	if !s.alerted {
		t.Fatalf("expected alert")
	}
	if h.db.alerts != 1 {
		t.Fatalf("expected one durable alert flag, got %d", h.db.alerts)
	}
	call, err := h.cache.GetState(context.Background(), "call-1")
	if err != nil || !call.AlertTriggered {
		t.Fatalf("cache flag not set: %+v %v", call, err)
	}
}

func TestStaleFlushIgnored(t *testing.T) {
	h := newHarness(t, nil)
	s := h.s
	s.handle(event{kind: EvFinal, text: "hello"})
	h.fragment("Hi there")
	// flushed without a pending flush directive
	s.handle(event{kind: EvSynthFlushed, epoch: h.synth.Epoch()})
	if s.State() != Speaking {
		t.Fatalf("expected speaking, got %v", s.State())
	}
}

func TestRunFinalizesOnClose(t *testing.T) {
	db := &fakeRecords{}
	h := newHarness(t, db)
	s := h.s

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	s.Feed([]byte{0xff, 0xff})
	h.rec.events <- stt.Event{Type: stt.EventFinal, Text: "goodbye"}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Generating && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()
	s.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finalize")
	}
	<-s.Done()

	if s.State() != Closed {
		t.Fatalf("expected closed, got %v", s.State())
	}
	if db.endedCalls != 1 || db.ended != "goodbye" {
		t.Fatalf("unexpected durable end: %d %q", db.endedCalls, db.ended)
	}
	if !h.rec.closed.Load() || !h.synth.closed.Load() {
		t.Fatalf("adapters not closed")
	}
	if _, err := h.cache.GetState(context.Background(), "call-1"); !errors.Is(err, callstate.ErrCallNotFound) {
		t.Fatalf("expected cache entry removed, got %v", err)
	}
	h.rec.mu.Lock()
	frames := h.rec.frames
	h.rec.mu.Unlock()
	if frames != 1 {
		t.Fatalf("expected one forwarded frame, got %d", frames)
	}
}

func TestRunFinalizesOnTransportLoss(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not stop")
	}
	if h.db.endedCalls != 1 {
		t.Fatalf("expected durable end on transport loss")
	}
}
