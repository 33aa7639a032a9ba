package orchestrator

import (
	"strings"
	"unicode"

	"callbridge/agent/internal/llm"
)

// sentenceBatcher groups streamed fragments into sentences so synthesis can
// start on the first complete one. Terminal punctuation only counts when
// followed by whitespace, so "3.5" is not split.
type sentenceBatcher struct {
	pending []rune
}

func (b *sentenceBatcher) push(frag string) []string {
	b.pending = append(b.pending, []rune(frag)...)
	var out []string
	start := 0
	for i, r := range b.pending {
		cut := -1
		switch r {
		case '\n', '\r':
			cut = i + 1
		case '.', '!', '?':
			if i+1 < len(b.pending) && unicode.IsSpace(b.pending[i+1]) {
				cut = i + 1
			}
		}
		if cut < 0 {
			continue
		}
		if s := strings.TrimSpace(string(b.pending[start:cut])); s != "" {
			out = append(out, s)
		}
		start = cut
	}
	b.pending = append([]rune(nil), b.pending[start:]...)
	return out
}

func (b *sentenceBatcher) flush() string {
	s := strings.TrimSpace(string(b.pending))
	b.pending = nil
	return s
}

func (b *sentenceBatcher) reset() { b.pending = nil }

// history keeps the most recent exchanges for generation context.
type history struct {
	max   int
	turns []llm.Message
}

func (h *history) add(user, assistant string) {
	if user == "" {
		return
	}
	h.turns = append(h.turns, llm.Message{Role: llm.RoleUser, Content: user})
	if assistant != "" {
		h.turns = append(h.turns, llm.Message{Role: llm.RoleAssistant, Content: assistant})
	}
	if h.max > 0 && len(h.turns) > 2*h.max {
		keep := h.turns[len(h.turns)-2*h.max:]
		for len(keep) > 0 && keep[0].Role != llm.RoleUser {
			keep = keep[1:]
		}
		h.turns = append([]llm.Message(nil), keep...)
	}
}

func (h *history) messages(persona, utterance string) []llm.Message {
	msgs := make([]llm.Message, 0, len(h.turns)+2)
	if persona != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: persona})
	}
	msgs = append(msgs, h.turns...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})
}
