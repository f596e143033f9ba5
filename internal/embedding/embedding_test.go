package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"tax-rag/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/embeddings"
)

// countingEmbedder embeds text as its rune count and records every call.
type countingEmbedder struct {
	docCalls   [][]string
	queryCalls []string
}

func (e *countingEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.docCalls = append(e.docCalls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t))), 1}
	}
	return out, nil
}

func (e *countingEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.queryCalls = append(e.queryCalls, text)
	return []float32{float32(len([]rune(text))), 2}, nil
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func TestCachedEmbedder_Documents(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, s, "e5")

	first, err := c.EmbedDocuments(ctx, []string{"ضريبة", "دخل"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.EmbedDocuments(ctx, []string{"دخل", "قيمة مضافة", "ضريبة"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(inner.docCalls) != 2 {
		t.Fatalf("expected two inner calls, got %d", len(inner.docCalls))
	}
	if got := inner.docCalls[1]; len(got) != 1 || got[0] != "قيمة مضافة" {
		t.Fatalf("expected only the uncached text to be embedded, got %v", got)
	}
	if second[0][0] != first[1][0] || second[2][0] != first[0][0] {
		t.Fatalf("cached vectors do not match: %v vs %v", second, first)
	}
	if second[1][0] != 10 {
		t.Fatalf("unexpected vector for new text: %v", second[1])
	}
	if n := len(mr.Keys()); n != 3 {
		t.Fatalf("expected 3 cached keys, got %d", n)
	}
}

func TestCachedEmbedder_QueryKeyedSeparately(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, s, "e5")

	if _, err := c.EmbedDocuments(ctx, []string{"ضريبة"}); err != nil {
		t.Fatal(err)
	}
	q1, err := c.EmbedQuery(ctx, "ضريبة")
	if err != nil {
		t.Fatal(err)
	}
	q2, err := c.EmbedQuery(ctx, "ضريبة")
	if err != nil {
		t.Fatal(err)
	}
	if len(inner.queryCalls) != 1 {
		t.Fatalf("expected one inner query call, got %d", len(inner.queryCalls))
	}
	if q1[1] != 2 || q2[1] != 2 {
		t.Fatalf("query vectors must not come from the document cache: %v %v", q1, q2)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, []byte) error { return errors.New("connection refused") }

func TestCachedEmbedder_StoreFailureFallsThrough(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, failingStore{}, "e5")

	vec, err := c.EmbedQuery(context.Background(), "سؤال")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 4 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestRedisStore_Miss(t *testing.T) {
	s, _ := newRedisStore(t)
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestVectorBytesRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	out, err := bytesToVector(vectorToBytes(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("index %d: %v != %v", i, in[i], out[i])
		}
	}
	if _, err := bytesToVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated data")
	}
}

func TestPrefixedEmbedder(t *testing.T) {
	var seen []string
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		seen = append(seen, texts...)
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1}
		}
		return out, nil
	})
	base, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
	if err != nil {
		t.Fatal(err)
	}
	p := WithPrefixes(base, "query: ", "passage: ")

	if _, err := p.EmbedDocuments(context.Background(), []string{"المادة 1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.EmbedQuery(context.Background(), "ما هي الضريبة؟"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != "passage: المادة 1" || seen[1] != "query: ما هي الضريبة؟" {
		t.Fatalf("unexpected texts %q", seen)
	}
}

func TestNewEmbedder_UnsupportedProvider(t *testing.T) {
	_, err := NewEmbedder(&config.EmbedConfig{Provider: "word2vec", Model: "x"}, 8)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewEmbedder_Prefixes(t *testing.T) {
	e, err := NewEmbedder(&config.EmbedConfig{
		Provider:      config.ProviderOllama,
		BaseURL:       "http://localhost:11434",
		Model:         "multilingual-e5-base",
		QueryPrefix:   "query: ",
		PassagePrefix: "passage: ",
	}, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.(*PrefixedEmbedder); !ok {
		t.Fatalf("expected prefixed embedder, got %T", e)
	}
}
