package orchestrator

import (
	"reflect"
	"testing"

	"callbridge/agent/internal/llm"
)

func TestSentenceBatcher(t *testing.T) {
	var b sentenceBatcher
	if got := b.push("Hello"); len(got) != 0 {
		t.Fatalf("no boundary yet, got %v", got)
	}
	if got := b.push(" there."); len(got) != 0 {
		t.Fatalf("trailing period waits for the next fragment, got %v", got)
	}
	got := b.push(" It costs 3.5 dollars! Ok")
	want := []string{"Hello there.", "It costs 3.5 dollars!"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if got := b.push("\nNext"); !reflect.DeepEqual(got, []string{"Ok"}) {
		t.Fatalf("newline should cut, got %v", got)
	}
	if rest := b.flush(); rest != "Next" {
		t.Fatalf("flush returned %q", rest)
	}
	if rest := b.flush(); rest != "" {
		t.Fatalf("second flush should be empty, got %q", rest)
	}
}

func TestHistoryBounded(t *testing.T) {
	h := history{max: 2}
	h.add("u1", "a1")
	h.add("u2", "")
	h.add("u3", "a3")
	msgs := h.messages("persona", "u4")
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "persona"},
		{Role: llm.RoleUser, Content: "u2"},
		{Role: llm.RoleUser, Content: "u3"},
		{Role: llm.RoleAssistant, Content: "a3"},
		{Role: llm.RoleUser, Content: "u4"},
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("got %+v", msgs)
	}
}
