package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	mu     sync.Mutex
	calls  int
	result Result
	err    error
	delay  time.Duration
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Classify(ctx context.Context, content string) (Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(p.delay):
		}
	}
	return p.result, p.err
}

func TestPassthrough(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"first line", "Buy milk\nand eggs", "Buy milk"},
		{"skips blank lines", "\n\n   \n  Call   the\tbank  \nlater", "Call the bank"},
		{"empty", "", "Untitled"},
		{"whitespace only", " \n\t ", "Untitled"},
		{"truncates", strings.Repeat("a", 100), strings.Repeat("a", 77) + "..."},
		{"exact limit", strings.Repeat("b", 80), strings.Repeat("b", 80)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Passthrough(tc.content)
			require.Equal(t, tc.want, got.Title)
			require.Empty(t, got.Tags)
			require.Equal(t, SourcePassthrough, got.Source)
		})
	}
}

func TestPassthroughIsDeterministic(t *testing.T) {
	content := "  Draft quarterly report  \nwith numbers"
	require.Equal(t, Passthrough(content), Passthrough(content))
}

func TestSessionWithoutProviderFallsBack(t *testing.T) {
	s := New(Options{}).Begin()
	got := s.Classify(context.Background(), "hello world")
	require.Equal(t, Passthrough("hello world"), got)
	require.Equal(t, 0, s.Calls())
	require.Equal(t, 1, s.Fallbacks())
}

func TestSessionUsesProviderResult(t *testing.T) {
	provider := &stubProvider{result: Result{Title: "  Buy   milk ", Tags: []string{"Errand", "errand", " home "}, Properties: map[string]string{"area": " personal ", "Mood": "hungry"}}}
	s := New(Options{Provider: provider, Properties: []string{"Area"}}).Begin()
	got := s.Classify(context.Background(), "buy milk")
	require.Equal(t, "Buy milk", got.Title)
	require.Equal(t, []string{"errand", "home"}, got.Tags)
	require.Equal(t, map[string]string{"Area": "personal"}, got.Properties)
	require.Equal(t, "stub", got.Source)
}

func TestSessionDropsPropertiesWhenNoneAllowed(t *testing.T) {
	provider := &stubProvider{result: Result{Title: "Buy milk", Properties: map[string]string{"area": "personal"}}}
	got := New(Options{Provider: provider}).Begin().Classify(context.Background(), "buy milk")
	require.Equal(t, "Buy milk", got.Title)
	require.Empty(t, got.Properties)
}

func TestSessionFallsBackOnProviderError(t *testing.T) {
	provider := &stubProvider{err: &ClassificationError{Provider: "stub", Reason: "auth", Err: errors.New("401")}}
	s := New(Options{Provider: provider}).Begin()
	got := s.Classify(context.Background(), "quota gone\nsecond line")
	require.Equal(t, "quota gone", got.Title)
	require.Equal(t, SourcePassthrough, got.Source)
	require.Equal(t, 1, s.Fallbacks())
}

func TestSessionFallsBackOnEmptyTitle(t *testing.T) {
	provider := &stubProvider{result: Result{Title: "   ", Tags: []string{"x"}}}
	got := New(Options{Provider: provider}).Begin().Classify(context.Background(), "note")
	require.Equal(t, Passthrough("note"), got)
}

func TestSessionTimeoutFallsBack(t *testing.T) {
	provider := &stubProvider{result: Result{Title: "late"}, delay: time.Second}
	s := New(Options{Provider: provider, Timeout: 10 * time.Millisecond}).Begin()
	start := time.Now()
	got := s.Classify(context.Background(), "slow note")
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, "slow note", got.Title)
	require.Equal(t, SourcePassthrough, got.Source)
}

func TestSessionMaxCallsPerRun(t *testing.T) {
	provider := &stubProvider{result: Result{Title: "classified"}}
	c := New(Options{Provider: provider, MaxCallsPerRun: 2})
	s := c.Begin()
	var sources []string
	for i := 0; i < 4; i++ {
		sources = append(sources, s.Classify(context.Background(), "note").Source)
	}
	require.Equal(t, []string{"stub", "stub", SourcePassthrough, SourcePassthrough}, sources)
	require.Equal(t, 2, s.Calls())
	require.Equal(t, 2, provider.calls)

	// A fresh session gets a fresh budget.
	require.Equal(t, "stub", c.Begin().Classify(context.Background(), "note").Source)
}

func TestSessionCallsPerMinuteDoesNotBlock(t *testing.T) {
	provider := &stubProvider{result: Result{Title: "classified"}}
	s := New(Options{Provider: provider, CallsPerMinute: 3}).Begin()
	start := time.Now()
	classified := 0
	for i := 0; i < 10; i++ {
		if s.Classify(context.Background(), "note").Source == "stub" {
			classified++
		}
	}
	require.Equal(t, 3, classified)
	require.Less(t, time.Since(start), time.Second)
}

func TestParseResult(t *testing.T) {
	got, err := parseResult("Sure!\n```json\n{\"title\":\"Plan trip\",\"tags\":[\"travel\"],\"properties\":{\"priority\":2,\"area\":\"life\",\"none\":null}}\n```")
	require.NoError(t, err)
	require.Equal(t, "Plan trip", got.Title)
	require.Equal(t, []string{"travel"}, got.Tags)
	require.Equal(t, map[string]string{"priority": "2", "area": "life"}, got.Properties)

	_, err = parseResult("no json here")
	require.ErrorIs(t, err, ErrClassification)
	_, err = parseResult("{not json}")
	require.ErrorIs(t, err, ErrClassification)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider("", AnthropicOptions{}, OpenAIOptions{})
	require.NoError(t, err)
	require.Nil(t, p)

	p, err = NewProvider("anthropic", AnthropicOptions{APIKey: "k"}, OpenAIOptions{})
	require.NoError(t, err)
	require.Equal(t, "anthropic", p.Name())

	p, err = NewProvider("openai", AnthropicOptions{}, OpenAIOptions{APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	p, err = NewProvider("anthropic", AnthropicOptions{}, OpenAIOptions{})
	require.Error(t, err)
	require.Nil(t, p)

	_, err = NewProvider("mystery", AnthropicOptions{}, OpenAIOptions{})
	require.Error(t, err)
}

func TestClassificationErrorIs(t *testing.T) {
	err := error(&ClassificationError{Provider: "stub", Reason: "quota", Err: context.DeadlineExceeded})
	require.ErrorIs(t, err, ErrClassification)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "quota")
}
