package patch

import (
	"encoding/json"
	"testing"
)

type notePatch struct {
	Title Field[string] `json:"title,omitzero"`
	Notes Field[string] `json:"notes,omitzero"`
	Stars Field[int]    `json:"stars,omitzero"`
}

func TestFieldUnmarshalThreeStates(t *testing.T) {
	var p notePatch
	if err := json.Unmarshal([]byte(`{"title":"New","notes":null}`), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if v, ok := p.Title.Value(); !ok || v != "New" {
		t.Fatalf("title = %q, %v, want New, true", v, ok)
	}
	if !p.Notes.IsClear() {
		t.Fatal("notes should be cleared")
	}
	if !p.Stars.IsUnchanged() {
		t.Fatal("stars should be unchanged")
	}
}

func TestFieldApply(t *testing.T) {
	current := "old"

	if got := Unchanged[string]().Apply(&current); got == nil || *got != "old" {
		t.Fatalf("Unchanged.Apply = %v, want old", got)
	}
	if got := Clear[string]().Apply(&current); got != nil {
		t.Fatalf("Clear.Apply = %v, want nil", *got)
	}
	if got := Set("new").Apply(&current); got == nil || *got != "new" {
		t.Fatalf("Set.Apply = %v, want new", got)
	}
	if current != "old" {
		t.Fatalf("Apply mutated current to %q", current)
	}
}

func TestFieldUnmarshalTypeError(t *testing.T) {
	var p notePatch
	if err := json.Unmarshal([]byte(`{"stars":"five"}`), &p); err == nil {
		t.Fatal("Unmarshal() error = nil, want type error")
	}
}

func TestFieldMarshalOmitsUnchanged(t *testing.T) {
	out, err := json.Marshal(notePatch{Title: Set("x"), Notes: Clear[string]()})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"title":"x","notes":null}` {
		t.Fatalf("Marshal() = %s", out)
	}
}
