package mapping

import (
	"errors"
	"testing"
)

func TestApplyExampleRule(t *testing.T) {
	rules := []Rule{
		{Source: "payload.cpf", Dest: "documento.cpf", Required: true, Active: true, Transform: TransformCPFDigits},
	}
	env := Envelope{Payload: map[string]any{"cpf": "123.456.789-09"}}

	dest, err := Apply(rules, env)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc, ok := dest["documento"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested documento map, got %#v", dest)
	}
	if doc["cpf"] != "12345678909" {
		t.Fatalf("got %v, want 12345678909", doc["cpf"])
	}
}

func TestApplyRequiredMissingFails(t *testing.T) {
	rules := []Rule{
		{Source: "payload.cpf", Dest: "documento.cpf", Required: true, Active: true},
	}
	env := Envelope{Payload: map[string]any{}}

	_, err := Apply(rules, env)
	var reqErr *RequiredFieldError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequiredFieldError, got %v", err)
	}
}

func TestApplyDefault(t *testing.T) {
	rules := []Rule{
		{Source: "payload.uf", Dest: "uf", Active: true, Default: "SC", Transform: TransformUpper},
	}
	env := Envelope{Payload: map[string]any{}}

	dest, err := Apply(rules, env)
	if err != nil {
		t.Fatal(err)
	}
	if dest["uf"] != "SC" {
		t.Fatalf("got %v, want SC", dest["uf"])
	}
}

func TestApplyInactiveSkipped(t *testing.T) {
	rules := []Rule{
		{Source: "payload.x", Dest: "x", Active: false, Required: true},
	}
	dest, err := Apply(rules, Envelope{Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("inactive required rule should not fail: %v", err)
	}
	if _, ok := dest["x"]; ok {
		t.Fatalf("inactive rule should not assign: %#v", dest)
	}
}
