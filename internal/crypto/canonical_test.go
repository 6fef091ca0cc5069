package crypto

import (
	"errors"
	"testing"
)

func TestCanonicalizeOrdersAndStripsNulls(t *testing.T) {
	input := map[string]any{
		"b": "value",
		"a": 1,
		"c": nil,
		"d": map[string]any{
			"z": nil,
			"y": true,
		},
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := `{"a":1,"b":"value","d":{"y":true}}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeNumbers(t *testing.T) {
	got, err := Canonicalize(map[string]any{"risk": 0.29, "weight": 30, "cost": 2.0})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"cost":2,"risk":0.29,"weight":30}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeStructUsesJSONTags(t *testing.T) {
	type row struct {
		Name    string   `json:"name"`
		Skipped *string  `json:"skipped,omitempty"`
		Nilled  *float64 `json:"nilled"`
		HTML    string   `json:"html"`
	}
	got, err := Canonicalize(row{Name: "send-notification", HTML: "<b>&"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"html":"<b>&","name":"send-notification"}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeNormalizesNFC(t *testing.T) {
	input := map[string]any{
		"text": "e\u0301",
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := "{\"text\":\"\u00e9\"}"
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeMapKeyCollision(t *testing.T) {
	input := map[string]any{
		"e\u0301": 1,
		"\u00e9":   2,
	}
	_, err := Canonicalize(input)
	if !errors.Is(err, ErrKeyCollision) {
		t.Fatalf("expected ErrKeyCollision, got %v", err)
	}
}

func TestCanonicalizeStable(t *testing.T) {
	a, err := Canonicalize(map[string]any{"x": []any{1, "two", map[string]any{"b": 1, "a": 2}}})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := Canonicalize(map[string]any{"x": []any{1, "two", map[string]any{"a": 2, "b": 1}}})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(a) != string(b) || DigestWithPrefix(a) != DigestWithPrefix(b) {
		t.Fatalf("expected identical canonical output, got %s vs %s", a, b)
	}
}
