package chat_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/tasks/chat"
)

type stubGenerator struct {
	resp *genai.GenerateContentResponse
	err  error

	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (g *stubGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	g.model, g.contents, g.config = model, contents, config
	return g.resp, g.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	c := &genai.Content{Role: "model"}
	for _, p := range parts {
		c.Parts = append(c.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: c, FinishReason: genai.FinishReasonStop}},
	}
}

func newDef(gen chat.Generator, cfg chat.Config) *job.Definition[chat.Request, chat.Reply] {
	return chat.NewDefinition(gen, cfg, slog.New(slog.DiscardHandler))
}

func TestGenerate_Success(t *testing.T) {
	gen := &stubGenerator{resp: textResponse("Hello, ", "world")}
	def := newDef(gen, chat.DefaultConfig())

	reply, err := def.Handler(context.Background(), chat.Request{Messages: []chat.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "human", Content: "Greet the world"},
	}})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if reply.Content != "Hello, world" || reply.Model != "gemini-2.0-flash" {
		t.Errorf("reply = %+v", reply)
	}

	if gen.model != "gemini-2.0-flash" {
		t.Errorf("model = %q", gen.model)
	}
	wantRoles := []string{"user", "model", "user"}
	if len(gen.contents) != len(wantRoles) {
		t.Fatalf("got %d turns, want %d", len(gen.contents), len(wantRoles))
	}
	for i, c := range gen.contents {
		if c.Role != wantRoles[i] {
			t.Errorf("turn %d role = %q, want %q", i, c.Role, wantRoles[i])
		}
	}
	if gen.config.SystemInstruction == nil || gen.config.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("system instruction = %+v", gen.config.SystemInstruction)
	}
	if gen.config.Temperature == nil || *gen.config.Temperature != 0 {
		t.Errorf("temperature = %v", gen.config.Temperature)
	}
	if gen.config.MaxOutputTokens != 8192 {
		t.Errorf("max output tokens = %d", gen.config.MaxOutputTokens)
	}
}

func TestGenerate_InvalidRequestIsPermanent(t *testing.T) {
	def := newDef(&stubGenerator{resp: textResponse("x")}, chat.DefaultConfig())

	tests := map[string]chat.Request{
		"no messages":  {},
		"unknown role": {Messages: []chat.Message{{Role: "robot", Content: "hi"}}},
		"empty text":   {Messages: []chat.Message{{Role: "user"}}},
		"system only":  {Messages: []chat.Message{{Role: "system", Content: "x"}}},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := def.Handler(context.Background(), req)
			if err == nil || !job.IsPermanent(err) {
				t.Fatalf("err = %v, want permanent", err)
			}
		})
	}
}

func TestGenerate_UpstreamErrorIsRetryable(t *testing.T) {
	upstream := errors.New("connection reset by peer")
	def := newDef(&stubGenerator{err: upstream}, chat.DefaultConfig())

	_, err := def.Handler(context.Background(), chat.Request{Messages: []chat.Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, upstream) {
		t.Fatalf("err = %v, want wrapped upstream error", err)
	}
	if job.IsPermanent(err) {
		t.Fatal("upstream errors must be retryable")
	}
}

func TestGenerate_ClassifiesAPIErrors(t *testing.T) {
	hi := chat.Request{Messages: []chat.Message{{Role: "user", Content: "hi"}}}

	tests := []struct {
		name      string
		code      int
		permanent bool
		hint      bool
	}{
		{"rate limited", 429, false, true},
		{"bad request", 400, true, false},
		{"forbidden", 403, true, false},
		{"server error", 503, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := newDef(&stubGenerator{err: genai.APIError{Code: tt.code, Message: tt.name}}, chat.DefaultConfig())
			_, err := def.Handler(context.Background(), hi)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := job.IsPermanent(err); got != tt.permanent {
				t.Errorf("permanent = %v, want %v", got, tt.permanent)
			}
			d, ok := backoff.Hint(err)
			if ok != tt.hint {
				t.Errorf("hint present = %v, want %v", ok, tt.hint)
			}
			if ok && d < time.Second {
				t.Errorf("hint = %v, want a real wait", d)
			}
		})
	}
}

func TestGenerate_BlockedAndEmpty(t *testing.T) {
	req := chat.Request{Messages: []chat.Message{{Role: "user", Content: "hi"}}}

	blocked := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}
	_, err := newDef(&stubGenerator{resp: blocked}, chat.DefaultConfig()).Handler(context.Background(), req)
	if !errors.Is(err, chat.ErrBlocked) || !job.IsPermanent(err) {
		t.Fatalf("blocked err = %v", err)
	}

	_, err = newDef(&stubGenerator{resp: &genai.GenerateContentResponse{}}, chat.DefaultConfig()).Handler(context.Background(), req)
	if !errors.Is(err, chat.ErrEmptyReply) || job.IsPermanent(err) {
		t.Fatalf("empty err = %v", err)
	}
}

func TestGenerate_NormalizesWhenConfigured(t *testing.T) {
	gen := &stubGenerator{resp: textResponse("ok")}
	cfg := chat.DefaultConfig()
	cfg.Normalize = true

	_, err := newDef(gen, cfg).Handler(context.Background(), chat.Request{Messages: []chat.Message{
		{Role: "user", Content: "“soﬁa” —  says…"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got := gen.contents[0].Parts[0].Text; got != `"sofia" - says...` {
		t.Errorf("normalized text = %q", got)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"a\t\tb   c", "a b c"},
		{"line one\n\n\n  \nline two  ", "line one\nline two"},
		{"bell\u0007 char", "bell char"},
		{"é", "é"},
		{"‘quoted’ • item", "'quoted' * item"},
	}
	for _, tt := range tests {
		if got := chat.NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewDefinition_Timeout(t *testing.T) {
	def := newDef(&stubGenerator{}, chat.DefaultConfig())
	if def.Name != chat.TaskName {
		t.Errorf("name = %q", def.Name)
	}
	if def.Opts.Timeout != chat.DefaultConfig().Timeout {
		t.Errorf("timeout = %v", def.Opts.Timeout)
	}
}
