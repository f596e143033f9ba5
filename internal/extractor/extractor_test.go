package extractor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tax-rag/internal/models"

	"github.com/tmc/langchaingo/llms"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// stubModel answers with responses in order, repeating the last one.
type stubModel struct {
	responses []stubResponse
	calls     int
	lastParts []llms.ContentPart
}

type stubResponse struct {
	text string
	err  error
}

func (m *stubModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	if len(messages) > 0 {
		m.lastParts = messages[0].Parts
	}
	r := m.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: r.text}}}, nil
}

func (m *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newTestExtractor(model llms.Model, retries int) (*Extractor, *[]time.Duration) {
	e := New(model, Options{MaxRetries: retries, Delay: 3 * time.Second})
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestExtract_Success(t *testing.T) {
	model := &stubModel{responses: []stubResponse{{text: "المادة 1"}}}
	e, slept := newTestExtractor(model, 5)

	res := e.Extract(context.Background(), []byte("png"))
	if !res.OK() {
		t.Fatalf("expected success, got %s: %v", res.Outcome, res.Err)
	}
	if res.Text != "المادة 1" || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(*slept) != 0 {
		t.Fatalf("expected no delay, got %v", *slept)
	}

	if len(model.lastParts) != 2 {
		t.Fatalf("expected instruction and image parts, got %d", len(model.lastParts))
	}
	if txt, ok := model.lastParts[0].(llms.TextContent); !ok || txt.Text != models.ExtractionPrompt {
		t.Fatalf("unexpected instruction part %#v", model.lastParts[0])
	}
	if img, ok := model.lastParts[1].(llms.BinaryContent); !ok || img.MIMEType != "image/png" {
		t.Fatalf("unexpected image part %#v", model.lastParts[1])
	}
}

func TestExtract_RetryBound(t *testing.T) {
	for _, retries := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("retries=%d", retries), func(t *testing.T) {
			model := &stubModel{responses: []stubResponse{{err: &googleapi.Error{Code: 500}}}}
			e, slept := newTestExtractor(model, retries)

			res := e.Extract(context.Background(), []byte("png"))
			if res.Outcome != OutcomeExhausted {
				t.Fatalf("expected exhausted, got %s", res.Outcome)
			}
			if res.Text != models.ExtractionFailedMarker {
				t.Fatalf("expected failure marker, got %q", res.Text)
			}
			if model.calls != retries || res.Attempts != retries {
				t.Fatalf("expected %d calls, got %d (attempts %d)", retries, model.calls, res.Attempts)
			}
			if len(*slept) != retries-1 {
				t.Fatalf("expected %d delays between attempts, got %d", retries-1, len(*slept))
			}
			for _, d := range *slept {
				if d != 3*time.Second {
					t.Fatalf("expected fixed delay, got %s", d)
				}
			}
		})
	}
}

func TestExtract_RecoversAfterServerError(t *testing.T) {
	model := &stubModel{responses: []stubResponse{
		{err: status.Error(codes.Unavailable, "overloaded")},
		{text: "نص الصفحة"},
	}}
	e, slept := newTestExtractor(model, 5)

	res := e.Extract(context.Background(), []byte("png"))
	if !res.OK() || res.Text != "نص الصفحة" || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(*slept) != 1 {
		t.Fatalf("expected one delay, got %d", len(*slept))
	}
}

func TestExtract_FatalStopsImmediately(t *testing.T) {
	model := &stubModel{responses: []stubResponse{{err: &googleapi.Error{Code: 400, Message: "bad image"}}}}
	e, slept := newTestExtractor(model, 5)

	res := e.Extract(context.Background(), []byte("png"))
	if res.Outcome != OutcomeFatal {
		t.Fatalf("expected fatal, got %s", res.Outcome)
	}
	if res.Text != models.ExtractionFailedMarker {
		t.Fatalf("expected failure marker, got %q", res.Text)
	}
	if model.calls != 1 || len(*slept) != 0 {
		t.Fatalf("expected a single attempt without delay, got %d calls and %d delays", model.calls, len(*slept))
	}
	var gerr *googleapi.Error
	if !errors.As(res.Err, &gerr) {
		t.Fatalf("expected upstream error to be kept, got %v", res.Err)
	}
}

func TestExtract_CancelledDuringDelay(t *testing.T) {
	model := &stubModel{responses: []stubResponse{{err: &googleapi.Error{Code: 503}}}}
	e := New(model, Options{MaxRetries: 5, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	res := e.Extract(ctx, []byte("png"))
	if res.Outcome != OutcomeFatal || model.calls != 1 {
		t.Fatalf("expected cancellation to stop retries, got %s after %d calls", res.Outcome, model.calls)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled in %v", res.Err)
	}
}

func TestNew_Defaults(t *testing.T) {
	e := New(&stubModel{}, Options{Delay: -1})
	if e.maxRetries != DefaultMaxRetries {
		t.Fatalf("expected %d retries, got %d", DefaultMaxRetries, e.maxRetries)
	}
	if e.delay != DefaultDelay {
		t.Fatalf("expected %s delay, got %s", DefaultDelay, e.delay)
	}
	if e.limiter != nil {
		t.Fatal("expected no limiter without a request budget")
	}
	if New(&stubModel{}, Options{RequestsPerMinute: 10}).limiter == nil {
		t.Fatal("expected a limiter")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 500", &googleapi.Error{Code: 500}, true},
		{"http 503 wrapped", fmt.Errorf("generate: %w", &googleapi.Error{Code: 503}), true},
		{"http 400", &googleapi.Error{Code: 400}, false},
		{"http 429", &googleapi.Error{Code: 429}, false},
		{"grpc internal", status.Error(codes.Internal, "boom"), true},
		{"grpc unavailable", status.Error(codes.Unavailable, "busy"), true},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"server error", &ServerError{Err: errors.New("ollama 502")}, true},
		{"plain", errors.New("something else"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
