package embedding_test

import (
	"context"
	"testing"

	"github.com/claude-slack/broker/internal/embedding"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := embedding.NewHashProvider(16)
	ctx := context.Background()

	a, err := p.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 dims, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic output at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestHashProviderDiffersByInput(t *testing.T) {
	p := embedding.NewHashProvider(16)
	ctx := context.Background()

	a, _ := p.Embed(ctx, "alpha")
	b, _ := p.Embed(ctx, "beta")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different inputs to produce different vectors")
	}
}

func TestHashProviderRejectsEmptyText(t *testing.T) {
	p := embedding.NewHashProvider(8)
	if _, err := p.Embed(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestHashProviderDefaultDims(t *testing.T) {
	p := embedding.NewHashProvider(0)
	if p.Dimensions() != 32 {
		t.Fatalf("expected default 32 dims, got %d", p.Dimensions())
	}
}
