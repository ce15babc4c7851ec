package provider

import (
	"context"
	"testing"
)

type fakeCaller struct{ text string }

func (f fakeCaller) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return f.text, nil
}

func TestRegistryClassifyKnownProvider(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{ID: "samsung-genai", Kind: KindGenAI}, nil)
	r.Register(Descriptor{ID: "anthropic", Kind: KindLLMBatchable}, fakeCaller{text: "bonjour"})

	if got := r.Classify("samsung-genai"); got != KindGenAI {
		t.Fatalf("got %v, want KindGenAI", got)
	}
	if got := r.Classify("anthropic"); got != KindLLMBatchable {
		t.Fatalf("got %v, want KindLLMBatchable", got)
	}
}

func TestRegistryClassifyUnknownDefaultsToSimple(t *testing.T) {
	r := NewRegistry()
	if got := r.Classify("does-not-exist"); got != KindSimple {
		t.Fatalf("got %v, want KindSimple", got)
	}
}

func TestRegistryCallerRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{ID: "anthropic", Kind: KindLLMBatchable}, fakeCaller{text: "bonjour"})

	caller := r.Caller("anthropic")
	if caller == nil {
		t.Fatal("expected caller to be registered")
	}
	text, err := caller.Translate(context.Background(), "hello", "en", "fr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "bonjour" {
		t.Fatalf("got %q", text)
	}

	if r.Caller("samsung-genai") != nil {
		t.Fatal("expected no caller for unregistered provider")
	}
}
