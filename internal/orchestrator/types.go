package orchestrator

import (
	"context"
	"errors"
	"time"

	"callbridge/agent/internal/llm"
	"callbridge/agent/internal/stt"
	"callbridge/agent/internal/tts"
	"callbridge/agent/internal/types"
)

var (
	ErrTransport    = errors.New("transport error")
	ErrProvider     = errors.New("provider error")
	ErrDurableWrite = errors.New("durable write failed")
)

type Recognizer interface {
	SendAudio(frame []byte) bool
	Events() <-chan stt.Event
	Close()
}

type Generator interface {
	Generate(ctx context.Context, turns []llm.Message) (<-chan llm.Fragment, error)
}

type Synthesizer interface {
	Send(d tts.Directive) error
	Chunks() <-chan tts.Chunk
	Epoch() uint64
	Close()
}

// Outbound is the caller-facing audio path.
type Outbound interface {
	SendAudio(payload []byte) error
	SendClear() error
}

type CallStore interface {
	CreateCall(ctx context.Context, c types.Call) (types.Call, error)
	SetRecordID(ctx context.Context, id string, recordID int64) error
	UpdatePartialTranscript(ctx context.Context, id, text string) error
	AppendFinalTranscript(ctx context.Context, id, utterance string) (string, error)
	UpdateState(ctx context.Context, id string, st types.DialogueState) error
	EndCall(ctx context.Context, id string) (types.Call, error)
	AppendRawEvent(ctx context.Context, id string, raw []byte) error
}

type RecordStore interface {
	CreateCall(ctx context.Context, callSID, origin string, startedAt time.Time) (int64, error)
	UpdateTranscript(ctx context.Context, id int64, transcript string) error
	EndCall(ctx context.Context, id int64, transcript string, endedAt time.Time) error
	MarkAlert(ctx context.Context, id int64) error
}

// CallInfo identifies the call a session owns.
type CallInfo struct {
	ID      string
	CallSID string
	Owner   string
	Origin  string
}
