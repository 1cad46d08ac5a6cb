package store

import (
	"context"
	"testing"
)

func TestPutGetJSONRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	type record struct {
		State string `json:"state"`
		Count int    `json:"count"`
	}

	want := record{State: "ANALYZING", Count: 3}
	if err := s.PutJSON(ctx, "strategy-state:acct-1", want); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got record
	if err := s.GetJSON(ctx, "strategy-state:acct-1", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetJSONMissingKey(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	var dest map[string]any
	if err := s.GetJSON(context.Background(), "nope", &dest); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutJSONOverwrites(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.PutJSON(ctx, "k", "v1"); err != nil {
		t.Fatalf("put1: %v", err)
	}
	if err := s.PutJSON(ctx, "k", "v2"); err != nil {
		t.Fatalf("put2: %v", err)
	}
	var got string
	if err := s.GetJSON(ctx, "k", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v2" {
		t.Errorf("got %q, want v2", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("delete missing key should not error: %v", err)
	}
}
