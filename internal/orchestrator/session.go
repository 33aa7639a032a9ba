package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"callbridge/agent/internal/stt"
	"callbridge/agent/internal/tts"
	"callbridge/agent/internal/types"
)

type Deps struct {
	Recognizer  Recognizer
	Generator   Generator
	Synthesizer Synthesizer
	Outbound    Outbound
	Calls       CallStore
	Records     RecordStore // optional
	Alerter     *Alerter    // optional
	Logger      *zap.Logger
}

type Options struct {
	Persona      string
	MaxHistory   int
	RecordRaw    bool
	WriteTimeout time.Duration
}

type event struct {
	kind  EventKind
	turn  uint64
	epoch uint64
	text  string
	audio []byte
	raw   []byte
	err   error
}

// Session owns one call. All events are applied by the goroutine running Run,
// one at a time in arrival order; every other method only posts events.
type Session struct {
	info CallInfo
	deps Deps
	opts Options
	log  *zap.Logger

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	// loop-owned from here on
	ctx          context.Context
	speaking     bool
	turn         uint64
	genCancel    context.CancelFunc
	batcher      sentenceBatcher
	history      history
	userText     string
	spoken       strings.Builder
	audioSent    bool
	flushPending bool

	genStart     time.Time
	firstSpeakAt time.Time
	gotToken     bool
	gotAudio     bool

	transcript   string
	recordID     int64
	durableDirty bool
	alerted      bool
	alertDirty   bool
}

func NewSession(info CallInfo, deps Deps, opts Options) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	s := &Session{
		info:    info,
		deps:    deps,
		opts:    opts,
		log:     deps.Logger.Named("orch").With(zap.String("call_id", info.ID), zap.String("call_sid", info.CallSID)),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		history: history{max: opts.MaxHistory},
	}
	s.state.Store(int32(Listening))
	return s
}

func (s *Session) Info() CallInfo { return s.info }

func (s *Session) State() State { return State(s.state.Load()) }

// Done closes once the session has finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// Feed hands one inbound audio frame to the session.
func (s *Session) Feed(frame []byte) { s.post(event{kind: EvAudio, audio: frame}) }

// Close ends the call. Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() { go s.post(event{kind: EvClose}) })
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Run drives the session until the call closes or ctx ends (transport loss).
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.begin(ctx)
	go s.forwardRecognition()
	go s.forwardSynthesis()
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-ctx.Done():
			s.handle(event{kind: EvClose})
		}
		if s.State() == Closed {
			return nil
		}
	}
}

func (s *Session) begin(ctx context.Context) {
	s.ctx = ctx
	now := time.Now().UTC()
	wctx, cancel := s.writeCtx()
	defer cancel()
	if _, err := s.deps.Calls.CreateCall(wctx, types.Call{
		ID:        s.info.ID,
		CallSID:   s.info.CallSID,
		Owner:     s.info.Owner,
		Origin:    s.info.Origin,
		StartedAt: now,
		State:     types.StateIdle,
	}); err != nil {
		s.log.Error("create call state", zap.Error(err))
	}
	s.ensureRecord(wctx, now)
	s.mirrorState(Listening)
	s.log.Info("session started", zap.String("origin", s.info.Origin))
}

func (s *Session) forwardRecognition() {
	for e := range s.deps.Recognizer.Events() {
		ev := event{text: e.Text, raw: e.Raw, err: e.Err}
		switch e.Type {
		case stt.EventInterim:
			ev.kind = EvInterim
		case stt.EventFinal, stt.EventUtteranceEnd:
			ev.kind = EvFinal
		case stt.EventError:
			ev.kind = EvRecognitionError
		default:
			continue
		}
		if !s.post(ev) {
			return
		}
	}
}

func (s *Session) forwardSynthesis() {
	for c := range s.deps.Synthesizer.Chunks() {
		ev := event{epoch: c.Epoch}
		switch {
		case c.Err != nil:
			ev.kind, ev.err = EvSynthError, c.Err
		case c.Flushed:
			ev.kind = EvSynthFlushed
		default:
			ev.kind, ev.audio = EvSynthAudio, c.Audio
		}
		if !s.post(ev) {
			return
		}
	}
}

func (s *Session) handle(ev event) {
	if s.stale(ev) {
		metricStaleEvents.WithLabelValues(ev.kind.String()).Inc()
		return
	}
	s.recordRaw(ev)
	if ev.err != nil {
		s.log.Warn("turn error", zap.Stringer("event", ev.kind), zap.Error(ev.err))
	}
	from := s.State()
	to, actions := Transition(from, ev.kind)
	for _, a := range actions {
		s.apply(a, ev)
	}
	if to != from {
		s.state.Store(int32(to))
		metricStateTransitions.WithLabelValues(from.String(), to.String()).Inc()
		s.mirrorState(to)
	}
}

// stale drops generation events from superseded turns and synthesis output
// from before the last clear.
func (s *Session) stale(ev event) bool {
	switch ev.kind {
	case EvFragment, EvGenerationEnd, EvGenerationError:
		return ev.turn != s.turn || s.genCancel == nil
	case EvSynthAudio:
		return ev.epoch != s.deps.Synthesizer.Epoch()
	case EvSynthFlushed:
		return ev.epoch != s.deps.Synthesizer.Epoch() || !s.flushPending
	case EvFinal, EvInterim:
		return strings.TrimSpace(ev.text) == ""
	}
	return false
}

func (s *Session) apply(a Action, ev event) {
	switch a {
	case ActForwardAudio:
		s.deps.Recognizer.SendAudio(ev.audio)

	case ActUpdatePartial:
		wctx, cancel := s.writeCtx()
		defer cancel()
		if err := s.deps.Calls.UpdatePartialTranscript(wctx, s.info.ID, ev.text); err != nil {
			s.log.Debug("update partial", zap.Error(err))
		}

	case ActBargeIn:
		s.interrupt("barge_in")
		metricBargeIn.Inc()

	case ActAbortTurn:
		s.interrupt("aborted")

	case ActCommitUtterance:
		s.commit(strings.TrimSpace(ev.text))

	case ActStartGeneration:
		s.startGeneration(strings.TrimSpace(ev.text))

	case ActCheckAlert:
		s.checkAlert(strings.TrimSpace(ev.text))

	case ActSpeakFragment:
		if !s.gotToken {
			s.gotToken = true
			metricFirstToken.Observe(float64(time.Since(s.genStart).Milliseconds()))
		}
		s.speaking = true
		for _, sentence := range s.batcher.push(ev.text) {
			s.speak(sentence)
		}

	case ActFlushSynth:
		if rest := s.batcher.flush(); rest != "" {
			s.speak(rest)
		}
		s.sendDirective(tts.Directive{Kind: tts.Flush})
		s.flushPending = true
		s.releaseGeneration()

	case ActForwardSynthAudio:
		if !s.speaking {
			return
		}
		if !s.gotAudio && !s.firstSpeakAt.IsZero() {
			s.gotAudio = true
			metricFirstAudio.Observe(float64(time.Since(s.firstSpeakAt).Milliseconds()))
		}
		if err := s.deps.Outbound.SendAudio(ev.audio); err != nil {
			s.log.Debug("outbound audio", zap.Error(err))
			return
		}
		s.audioSent = true

	case ActCompleteTurn:
		outcome := "completed"
		if s.spoken.Len() == 0 {
			outcome = "empty"
		}
		metricTurns.WithLabelValues(outcome).Inc()
		s.endTurn()

	case ActFinalize:
		s.finalize()
	}
}

// interrupt stops the current turn: clear the caller's playback first, then
// the synthesizer's buffer, then cancel generation.
func (s *Session) interrupt(reason string) {
	s.speaking = false
	if s.audioSent || reason == "barge_in" {
		if err := s.deps.Outbound.SendClear(); err != nil {
			s.log.Debug("outbound clear", zap.Error(err))
		}
	}
	s.sendDirective(tts.Directive{Kind: tts.Clear})
	s.cancelGeneration()
	outcome := "aborted"
	if reason == "barge_in" {
		outcome = "interrupted"
	}
	metricTurns.WithLabelValues(outcome).Inc()
	s.log.Info("turn interrupted", zap.String("reason", reason), zap.Int("spoken_chars", s.spoken.Len()))
	s.endTurn()
}

// endTurn records what was actually said and resets per-turn state.
func (s *Session) endTurn() {
	s.history.add(s.userText, strings.TrimSpace(s.spoken.String()))
	s.userText = ""
	s.spoken.Reset()
	s.batcher.reset()
	s.speaking = false
	s.audioSent = false
	s.flushPending = false
	s.gotToken = false
	s.gotAudio = false
	s.firstSpeakAt = time.Time{}
	s.releaseGeneration()
}

func (s *Session) commit(utterance string) {
	s.transcript = joinUtterance(s.transcript, utterance)
	wctx, cancel := s.writeCtx()
	defer cancel()
	if _, err := s.deps.Calls.AppendFinalTranscript(wctx, s.info.ID, utterance); err != nil {
		s.log.Warn("append transcript", zap.Error(err))
	}
	s.persistTranscript(wctx)
	s.log.Info("utterance", zap.String("text", utterance))
}

func (s *Session) startGeneration(utterance string) {
	s.cancelGeneration()
	s.turn++
	turn := s.turn
	s.userText = utterance
	s.genStart = time.Now()
	msgs := s.history.messages(s.opts.Persona, utterance)
	ctx, cancel := context.WithCancel(s.ctx)
	s.genCancel = cancel

	gen := s.deps.Generator
	go func() {
		frags, err := gen.Generate(ctx, msgs)
		if err != nil {
			if ctx.Err() == nil {
				s.post(event{kind: EvGenerationError, turn: turn, err: errors.Join(ErrProvider, err)})
			}
			return
		}
		for f := range frags {
			if f.Err != nil {
				s.post(event{kind: EvGenerationError, turn: turn, err: errors.Join(ErrProvider, f.Err)})
				return
			}
			if !s.post(event{kind: EvFragment, turn: turn, text: f.Text}) {
				return
			}
		}
		if ctx.Err() == nil {
			s.post(event{kind: EvGenerationEnd, turn: turn})
		}
	}()
}

// cancelGeneration stops the running generation and supersedes its turn so
// fragments already in flight are dropped.
func (s *Session) cancelGeneration() {
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
		s.turn++
	}
}

// releaseGeneration frees a generation that finished on its own.
func (s *Session) releaseGeneration() {
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
}

func (s *Session) speak(text string) {
	if s.firstSpeakAt.IsZero() {
		s.firstSpeakAt = time.Now()
	}
	if s.spoken.Len() > 0 {
		s.spoken.WriteByte(' ')
	}
	s.spoken.WriteString(text)
	s.sendDirective(tts.Directive{Kind: tts.Speak, Text: text})
}

func (s *Session) sendDirective(d tts.Directive) {
	if err := s.deps.Synthesizer.Send(d); err != nil {
		s.log.Warn("synth directive", zap.String("kind", string(d.Kind)), zap.Error(err))
	}
}

func (s *Session) checkAlert(utterance string) {
	if s.deps.Alerter == nil || s.alerted {
		return
	}
	wctx, cancel := s.writeCtx()
	defer cancel()
	sent, err := s.deps.Alerter.Check(wctx, AlertTarget{CallInfo: s.info, RecordID: s.recordID}, utterance)
	if sent {
		s.alerted = true
	}
	if errors.Is(err, ErrDurableWrite) {
		s.alertDirty = true
		s.log.Warn("alert flag not persisted", zap.Error(err))
	} else if err != nil {
		s.log.Error("alert check", zap.Error(err))
	}
}

func (s *Session) recordRaw(ev event) {
	if !s.opts.RecordRaw || len(ev.raw) == 0 {
		return
	}
	wctx, cancel := s.writeCtx()
	defer cancel()
	if err := s.deps.Calls.AppendRawEvent(wctx, s.info.ID, ev.raw); err != nil {
		s.log.Debug("raw event", zap.Error(err))
	}
}

func (s *Session) mirrorState(st State) {
	var ds types.DialogueState
	switch st {
	case Listening:
		ds = types.StateListening
	case Generating:
		ds = types.StateGenerating
	case Speaking:
		ds = types.StateSpeaking
	default:
		return
	}
	wctx, cancel := s.writeCtx()
	defer cancel()
	if err := s.deps.Calls.UpdateState(wctx, s.info.ID, ds); err != nil {
		s.log.Debug("mirror state", zap.Error(err))
	}
}

// ensureRecord creates the durable row if an earlier attempt failed.
func (s *Session) ensureRecord(ctx context.Context, startedAt time.Time) bool {
	if s.deps.Records == nil {
		return false
	}
	if s.recordID != 0 {
		return true
	}
	id, err := s.deps.Records.CreateCall(ctx, s.info.CallSID, s.info.Origin, startedAt)
	if err != nil {
		metricDurableFailures.WithLabelValues("create").Inc()
		s.log.Warn("create call record", zap.Error(err))
		s.durableDirty = true
		return false
	}
	s.recordID = id
	if err := s.deps.Calls.SetRecordID(ctx, s.info.ID, id); err != nil {
		s.log.Debug("link record id", zap.Error(err))
	}
	return true
}

// persistTranscript writes the whole transcript so a failed write is repaired
// by the next successful one.
func (s *Session) persistTranscript(ctx context.Context) {
	if !s.ensureRecord(ctx, time.Now().UTC()) {
		return
	}
	if err := s.deps.Records.UpdateTranscript(ctx, s.recordID, s.transcript); err != nil {
		metricDurableFailures.WithLabelValues("transcript").Inc()
		s.log.Warn("persist transcript", zap.Error(err))
		s.durableDirty = true
		return
	}
	s.durableDirty = false
	s.retryAlertFlag(ctx)
}

func (s *Session) retryAlertFlag(ctx context.Context) {
	if !s.alertDirty || s.recordID == 0 {
		return
	}
	if err := s.deps.Records.MarkAlert(ctx, s.recordID); err != nil {
		metricDurableFailures.WithLabelValues("mark_alert").Inc()
		return
	}
	s.alertDirty = false
}

func (s *Session) finalize() {
	if s.speaking || s.genCancel != nil {
		s.interrupt("closed")
	}
	s.deps.Recognizer.Close()
	s.deps.Synthesizer.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*s.opts.WriteTimeout)
	defer cancel()
	ended := time.Now().UTC()
	if s.ensureRecord(ctx, ended) {
		if err := s.deps.Records.EndCall(ctx, s.recordID, s.transcript, ended); err != nil {
			metricDurableFailures.WithLabelValues("end").Inc()
			s.log.Error("finalize call record", zap.Error(err))
		} else {
			s.durableDirty = false
		}
		s.retryAlertFlag(ctx)
	}
	if _, err := s.deps.Calls.EndCall(ctx, s.info.ID); err != nil {
		s.log.Warn("end call state", zap.Error(err))
	}
	if s.deps.Alerter != nil {
		s.deps.Alerter.ReleaseHeld(ctx, s.info.ID)
	}
	s.log.Info("session closed",
		zap.Int("transcript_chars", len(s.transcript)),
		zap.Bool("alerted", s.alerted),
		zap.Bool("durable_dirty", s.durableDirty))
}

func (s *Session) writeCtx() (context.Context, context.CancelFunc) {
	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), s.opts.WriteTimeout)
}

func joinUtterance(cur, u string) string {
	switch {
	case u == "":
		return cur
	case cur == "":
		return u
	default:
		return cur + " " + u
	}
}
