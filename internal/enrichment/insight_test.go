package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"eli-pipeline/internal/storage/relational"
)

type fakeGenerator struct {
	out   map[string]any
	err   error
	calls int
	last  []byte
}

func (f *fakeGenerator) GenerateInsight(_ context.Context, contextJSON []byte) (map[string]any, error) {
	f.calls++
	f.last = contextJSON
	return f.out, f.err
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type brokenLease struct{}

func (brokenLease) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func TestInsightGenerator_Throttle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	gen := &fakeGenerator{out: map[string]any{"summary": "quiet night", "recommendations": []any{"check gate"}}}
	g := NewInsightGenerator(s, gen, NewMemoryLease(), nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	steps := []struct {
		offset  time.Duration
		written bool
	}{
		{0, true},
		{10 * time.Minute, false},
		{16 * time.Minute, true},
	}

	for _, step := range steps {
		res, err := g.Generate(ctx, "42", base+step.offset.Milliseconds())
		if err != nil {
			t.Fatalf("Generate(+%s) error = %v", step.offset, err)
		}
		if got := res.Insight != nil; got != step.written {
			t.Errorf("Generate(+%s) written = %v, want %v (reason %q)", step.offset, got, step.written, res.Reason)
		}
		if !step.written && res.Reason != InsightSkipThrottled {
			t.Errorf("Generate(+%s) reason = %q, want throttled", step.offset, res.Reason)
		}
	}

	n, err := s.CountInsights(ctx, ScopeChannel, "42")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("insights = %d, want 2", n)
	}
	if gen.calls != 2 {
		t.Errorf("generator calls = %d, want 2", gen.calls)
	}
}

func TestInsightGenerator_Context(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	person := "person"
	if _, err := s.InsertDetections(ctx, []relational.Detection{
		{IdempotencyKey: "k1", ChannelID: strPtr("42"), Type: &person, TS: ts - 1000},
		{IdempotencyKey: "k2", ChannelID: strPtr("42"), Type: &person, TS: ts - 2000},
		{IdempotencyKey: "k3", ChannelID: strPtr("42"), Type: &person, TS: ts - 25*time.Hour.Milliseconds()},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBaseline(ctx, &relational.Baseline{EntityType: EntityChannel, EntityID: "42", Mean: 3, Var: 2, Std: 1.5}); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{out: map[string]any{"summary": "ok"}}
	res, err := NewInsightGenerator(s, gen, nil, nil).Generate(ctx, "42", ts)
	if err != nil || res.Insight == nil {
		t.Fatalf("Generate() = %+v, %v", res, err)
	}

	var ic InsightContext
	if err := json.Unmarshal(gen.last, &ic); err != nil {
		t.Fatalf("context is not JSON: %v", err)
	}
	if ic.ChannelID != "42" || ic.Window.End != ts || ic.Window.Start != ts-InsightWindow.Milliseconds() {
		t.Errorf("context header = %+v", ic)
	}
	if len(ic.DetectionsTop) != 1 || ic.DetectionsTop[0].Count != 2 {
		t.Errorf("detections_top = %+v, want one group of 2", ic.DetectionsTop)
	}
	if ic.Baseline == nil || ic.Baseline.Mean != 3 {
		t.Errorf("baseline = %+v", ic.Baseline)
	}
	if ic.Anomalies == nil {
		t.Error("anomalies should encode as an empty list")
	}
}

func TestInsightGenerator_Skips(t *testing.T) {
	ctx := context.Background()
	ts := time.Now().UnixMilli()

	t.Run("disabled", func(t *testing.T) {
		s := setupStore(t)
		res, err := NewInsightGenerator(s, nil, nil, nil).Generate(ctx, "42", ts)
		if err != nil || !res.Skipped || res.Reason != InsightSkipDisabled {
			t.Errorf("Generate() = %+v, %v", res, err)
		}
	})

	t.Run("leased elsewhere", func(t *testing.T) {
		s := setupStore(t)
		gen := &fakeGenerator{out: map[string]any{}}
		res, err := NewInsightGenerator(s, gen, heldLease{}, nil).Generate(ctx, "42", ts)
		if err != nil || !res.Skipped || res.Reason != InsightSkipLeased {
			t.Errorf("Generate() = %+v, %v", res, err)
		}
		if gen.calls != 0 {
			t.Errorf("generator called %d times", gen.calls)
		}
	})

	t.Run("lease backend down", func(t *testing.T) {
		s := setupStore(t)
		gen := &fakeGenerator{out: map[string]any{"summary": "ok"}}
		res, err := NewInsightGenerator(s, gen, brokenLease{}, nil).Generate(ctx, "42", ts)
		if err != nil || res.Insight == nil {
			t.Errorf("Generate() = %+v, %v, want insight written", res, err)
		}
	})

	t.Run("generation failure", func(t *testing.T) {
		s := setupStore(t)
		gen := &fakeGenerator{err: errors.New("model unavailable")}
		res, err := NewInsightGenerator(s, gen, nil, nil).Generate(ctx, "42", ts)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if res.Insight != nil {
			t.Error("no insight expected")
		}
		if n, _ := s.CountInsights(ctx, ScopeChannel, "42"); n != 0 {
			t.Errorf("insights = %d, want 0", n)
		}
	})
}

func TestParseInsightOutput(t *testing.T) {
	tests := []struct {
		name        string
		out         map[string]any
		wantSummary string
		wantRecs    []string
	}{
		{
			name:        "well formed",
			out:         map[string]any{"summary": "busy", "recommendations": []any{"a", "b"}},
			wantSummary: "busy",
			wantRecs:    []string{"a", "b"},
		},
		{
			name:        "missing summary",
			out:         map[string]any{"recommendations": []any{"a"}},
			wantSummary: DefaultInsightText,
			wantRecs:    []string{"a"},
		},
		{
			name:        "non-string summary",
			out:         map[string]any{"summary": 12.0},
			wantSummary: DefaultInsightText,
			wantRecs:    []string{},
		},
		{
			name:        "recommendations not a list",
			out:         map[string]any{"summary": "x", "recommendations": "do things"},
			wantSummary: "x",
			wantRecs:    []string{},
		},
		{
			name:        "mixed entries",
			out:         map[string]any{"summary": "x", "recommendations": []any{"a", 3.0, nil, "b"}},
			wantSummary: "x",
			wantRecs:    []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, recs := parseInsightOutput(tt.out)
			if summary != tt.wantSummary {
				t.Errorf("summary = %q, want %q", summary, tt.wantSummary)
			}
			if strings.Join(recs, ",") != strings.Join(tt.wantRecs, ",") || recs == nil {
				t.Errorf("recommendations = %#v, want %#v", recs, tt.wantRecs)
			}
		})
	}
}

func TestMemoryLease(t *testing.T) {
	l := NewMemoryLease()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "channel:42", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "channel:42", time.Minute); ok {
		t.Error("second Acquire() succeeded while held")
	}
	if _, ok, _ := l.Acquire(ctx, "channel:7", time.Minute); !ok {
		t.Error("other key should be free")
	}

	release()
	release2, ok, _ := l.Acquire(ctx, "channel:42", time.Minute)
	if !ok {
		t.Fatal("Acquire() after release failed")
	}

	// An expired claim can be taken over, and the stale release must not
	// drop the new holder.
	now = now.Add(2 * time.Minute)
	_, ok, _ = l.Acquire(ctx, "channel:42", time.Minute)
	if !ok {
		t.Fatal("Acquire() after expiry failed")
	}
	release2()
	if _, ok, _ := l.Acquire(ctx, "channel:42", time.Minute); ok {
		t.Error("stale release freed the current holder")
	}
}

type fakeCompleter struct {
	responses map[string]string
	errs      map[string]error
	models    []string
	prompts   []string
}

func (f *fakeCompleter) complete(_ context.Context, model, _, prompt string) (string, error) {
	f.models = append(f.models, model)
	f.prompts = append(f.prompts, prompt)
	if err := f.errs[model]; err != nil {
		return "", err
	}
	return f.responses[model], nil
}

func TestOpenAIGenerator_ModelFallback(t *testing.T) {
	fc := &fakeCompleter{responses: map[string]string{
		"primary":  "not json at all",
		"fallback": `{"summary":"steady","recommendations":[]}`,
	}}
	cfg := DefaultLLMConfig()
	cfg.Model = "primary"
	cfg.FallbackModels = []string{"primary", "fallback"}
	g := newGenerator(cfg, fc, nil)

	out, err := g.GenerateInsight(context.Background(), []byte(`{"channel_id":"42"}`))
	if err != nil {
		t.Fatalf("GenerateInsight() error = %v", err)
	}
	if out["summary"] != "steady" {
		t.Errorf("summary = %v", out["summary"])
	}
	if strings.Join(fc.models, ",") != "primary,fallback" {
		t.Errorf("models tried = %v", fc.models)
	}
}

func TestOpenAIGenerator_TruncatesContext(t *testing.T) {
	fc := &fakeCompleter{responses: map[string]string{"m": `{"summary":"s"}`}}
	cfg := DefaultLLMConfig()
	cfg.Model = "m"
	cfg.FallbackModels = nil
	cfg.MaxContextChars = 10
	g := newGenerator(cfg, fc, nil)

	if _, err := g.GenerateInsight(context.Background(), []byte(strings.Repeat("x", 50))); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(fc.prompts[0], "\n"+strings.Repeat("x", 10)) {
		t.Errorf("prompt not truncated: %q", fc.prompts[0])
	}
}

func TestOpenAIGenerator_NoValidOutput(t *testing.T) {
	fc := &fakeCompleter{responses: map[string]string{"m": "[1,2]"}}
	cfg := DefaultLLMConfig()
	cfg.Model = "m"
	cfg.FallbackModels = nil
	g := newGenerator(cfg, fc, nil)

	if _, err := g.GenerateInsight(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNoValidOutput) {
		t.Errorf("error = %v, want ErrNoValidOutput", err)
	}
}

func TestOpenAIGenerator_BreakerOpen(t *testing.T) {
	fc := &fakeCompleter{errs: map[string]error{
		"a": errors.New("503"),
		"b": errors.New("503"),
	}}
	cfg := DefaultLLMConfig()
	cfg.Model = "a"
	cfg.FallbackModels = []string{"b"}
	cfg.Breaker.FailureThreshold = 1
	g := newGenerator(cfg, fc, nil)

	_, err := g.GenerateInsight(context.Background(), []byte(`{}`))
	if !IsBreakerOpen(err) {
		t.Errorf("error = %v, want open breaker", err)
	}
	if len(fc.models) != 1 {
		t.Errorf("completer calls = %d, want 1", len(fc.models))
	}
}

func strPtr(s string) *string { return &s }
