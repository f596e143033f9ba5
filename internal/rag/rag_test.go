package rag

import (
	"context"
	"errors"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"tax-rag/internal/config"
	"tax-rag/internal/indexer"
	"tax-rag/internal/models"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"
)

const dims = 1024

// bagOfWords hashes word tokens into a fixed size count vector.
func bagOfWords(text string) []float32 {
	vec := make([]float32, dims)
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%dims]++
	}
	vec[0] += 0.01
	return vec
}

func hashEmbedder(t *testing.T) embeddings.Embedder {
	t.Helper()
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = bagOfWords(text)
		}
		return out, nil
	})
	e, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// recordingModel captures the rendered prompt and answers with respond.
type recordingModel struct {
	respond  func(messages []llms.MessageContent) (string, error)
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (m *recordingModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, o := range options {
		o(&m.opts)
	}
	text, err := m.respond(messages)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *recordingModel) humanText(t *testing.T) string {
	t.Helper()
	if len(m.messages) != 2 {
		t.Fatalf("expected system and human messages, got %d", len(m.messages))
	}
	if m.messages[0].Role != llms.ChatMessageTypeSystem || m.messages[1].Role != llms.ChatMessageTypeHuman {
		t.Fatalf("unexpected roles %s, %s", m.messages[0].Role, m.messages[1].Role)
	}
	return m.messages[1].Parts[0].(llms.TextContent).Text
}

type staticSearcher struct {
	matches []models.Match
	err     error
	k       int
}

func (s *staticSearcher) Search(_ context.Context, _ []float32, k int) ([]models.Match, error) {
	s.k = k
	return s.matches, s.err
}

func match(text string, sim float32) models.Match {
	return models.Match{Chunk: models.Chunk{Text: text, Source: "law", PageNumber: 1}, Similarity: sim}
}

func TestAnswer_VATScenario(t *testing.T) {
	ctx := context.Background()
	records := []models.PageRecord{
		{Text: "الضريبة على القيمة المضافة تبلغ 14%", Source: "vat_law", PageNumber: 1},
		{Text: "قواعد المرور في الطرق السريعة وحدود السرعة", Source: "vat_law", PageNumber: 2},
	}
	embedder := hashEmbedder(t)
	ix := indexer.NewFromConfig(embedder, &config.StoreConfig{Driver: config.DriverChromem, Collection: "egyptian_tax_law"})
	store, n, err := ix.BuildIndex(ctx, records, indexer.Options{
		ChunkSize:    1000,
		ChunkOverlap: 100,
		Location:     filepath.Join(t.TempDir(), "chroma_db"),
	})
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	defer store.Close()
	if n != 2 {
		t.Fatalf("expected one chunk per page, got %d", n)
	}

	model := &recordingModel{respond: func(messages []llms.MessageContent) (string, error) {
		human := messages[1].Parts[0].(llms.TextContent).Text
		if strings.Contains(human, "14%") {
			return "نسبة ضريبة القيمة المضافة هي 14%.", nil
		}
		return models.UnknownAnswer, nil
	}}
	chain := NewChain(store, embedder, model, Options{Temperature: DefaultTemperature})

	question := "كم نسبة ضريبة القيمة المضافة؟"
	res, err := chain.Retrieve(ctx, question)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Matches) == 0 || res.Matches[0].PageNumber != 1 || res.Matches[0].Source != "vat_law" {
		t.Fatalf("expected page 1 as top match, got %+v", res.Matches)
	}

	answer, err := chain.Answer(ctx, question)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !strings.Contains(answer, "14%") || hasLatin(answer) {
		t.Fatalf("unexpected answer %q", answer)
	}

	human := model.humanText(t)
	if !strings.Contains(human, question) {
		t.Fatalf("question missing from prompt: %q", human)
	}
	if strings.Index(human, "14%") > strings.Index(human, "قواعد المرور") {
		t.Fatalf("most similar chunk must come first: %q", human)
	}
	if model.opts.Temperature != DefaultTemperature {
		t.Fatalf("expected temperature %v, got %v", DefaultTemperature, model.opts.Temperature)
	}
}

func TestAnswer_UnknownWithIrrelevantContext(t *testing.T) {
	searcher := &staticSearcher{matches: []models.Match{match("قواعد المرور", 0.1)}}
	chain := NewChain(searcher, hashEmbedder(t), fake.NewFakeLLM([]string{models.UnknownAnswer}), Options{})

	answer, err := chain.Answer(context.Background(), "ما هي ضريبة الدمغة؟")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer != models.UnknownAnswer {
		t.Fatalf("expected %q, got %q", models.UnknownAnswer, answer)
	}
	if !IsUnknown(answer) {
		t.Fatal("IsUnknown should recognise the reply")
	}
	if searcher.k != DefaultTopK {
		t.Fatalf("expected top %d search, got %d", DefaultTopK, searcher.k)
	}
}

func TestAnswer_EnglishQuestionAnsweredInArabic(t *testing.T) {
	searcher := &staticSearcher{matches: []models.Match{match("الضريبة على القيمة المضافة تبلغ 14%", 0.8)}}
	model := &recordingModel{respond: func([]llms.MessageContent) (string, error) {
		return "تبلغ ضريبة القيمة المضافة 14٪", nil
	}}
	chain := NewChain(searcher, hashEmbedder(t), model, Options{})

	answer, err := chain.Answer(context.Background(), "What is the VAT rate in Egypt?")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if hasLatin(answer) {
		t.Fatalf("answer contains Latin script: %q", answer)
	}

	system := model.messages[0].Parts[0].(llms.TextContent).Text
	if !strings.Contains(system, "Never respond in English") || !strings.Contains(system, models.UnknownAnswer) {
		t.Fatalf("system instruction lost its constraints: %q", system)
	}
	if human := model.humanText(t); !strings.Contains(human, "answer the question in Arabic only") {
		t.Fatalf("human message lost its instruction: %q", human)
	}
}

func TestAnswer_ReturnsVerbatim(t *testing.T) {
	searcher := &staticSearcher{matches: []models.Match{match("نص", 0.9)}}
	chain := NewChain(searcher, hashEmbedder(t), fake.NewFakeLLM([]string{"  الإجابة\n"}), Options{})

	answer, err := chain.Answer(context.Background(), "سؤال")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "  الإجابة\n" {
		t.Fatalf("answer must not be trimmed, got %q", answer)
	}
}

func TestAnswer_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")

	failingEmbed := embeddings.EmbedderClientFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, boom
	})
	badEmbedder, err := embeddings.NewEmbedder(failingEmbed)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		searcher Searcher
		embedder embeddings.Embedder
		model    llms.Model
	}{
		{"embedding", &staticSearcher{}, badEmbedder, fake.NewFakeLLM([]string{"x"})},
		{"retrieval", &staticSearcher{err: boom}, hashEmbedder(t), fake.NewFakeLLM([]string{"x"})},
		{"generation", &staticSearcher{matches: []models.Match{match("نص", 0.9)}}, hashEmbedder(t),
			&recordingModel{respond: func([]llms.MessageContent) (string, error) { return "", boom }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, err := NewChain(tt.searcher, tt.embedder, tt.model, Options{}).Answer(context.Background(), "سؤال")
			if !errors.Is(err, boom) {
				t.Fatalf("expected propagated error, got %v", err)
			}
			if answer != "" {
				t.Fatalf("expected no partial answer, got %q", answer)
			}
		})
	}
}

func TestRetrieve_ContextOrderAndThreshold(t *testing.T) {
	searcher := &staticSearcher{matches: []models.Match{
		match("الأول", 0.9),
		match("الثاني", 0.6),
		match("الثالث", 0.2),
	}}

	res, err := NewChain(searcher, hashEmbedder(t), fake.NewFakeLLM(nil), Options{TopK: 3}).Retrieve(context.Background(), "سؤال")
	if err != nil {
		t.Fatal(err)
	}
	if res.Context != "الأول\nالثاني\nالثالث" {
		t.Fatalf("unexpected context %q", res.Context)
	}

	searcher.matches = []models.Match{match("الأول", 0.9), match("الثاني", 0.6), match("الثالث", 0.2)}
	res, err = NewChain(searcher, hashEmbedder(t), fake.NewFakeLLM(nil), Options{TopK: 3, MinSimilarity: 0.5}).Retrieve(context.Background(), "سؤال")
	if err != nil {
		t.Fatal(err)
	}
	if res.Context != "الأول\nالثاني" || len(res.Matches) != 2 {
		t.Fatalf("expected low similarity match dropped, got %q", res.Context)
	}
}

func TestIsUnknown(t *testing.T) {
	for in, want := range map[string]bool{
		"":                 true,
		"   \n":            true,
		"لا أعلم":          true,
		" لا أعلم\n":       true,
		"الضريبة 14%":      false,
		"لا أعلم ولكن ربما": false,
	} {
		if got := IsUnknown(in); got != want {
			t.Errorf("IsUnknown(%q) = %v, want %v", in, got, want)
		}
	}
}

func hasLatin(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}

func TestNewChain_Temperature(t *testing.T) {
	searcher := &staticSearcher{matches: []models.Match{match("نص", 0.9)}}
	for _, tc := range []struct {
		in, want float64
	}{
		{0, 0},
		{0.7, 0.7},
		{-1, DefaultTemperature},
	} {
		model := &recordingModel{respond: func([]llms.MessageContent) (string, error) { return "نعم", nil }}
		if _, err := NewChain(searcher, hashEmbedder(t), model, Options{Temperature: tc.in}).Answer(context.Background(), "سؤال"); err != nil {
			t.Fatal(err)
		}
		if model.opts.Temperature != tc.want {
			t.Fatalf("temperature %v: model got %v, want %v", tc.in, model.opts.Temperature, tc.want)
		}
	}
}
