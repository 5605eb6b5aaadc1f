// Package classify enriches inbox content with a title, tags and properties,
// using an AI provider when one is configured and a deterministic fallback
// otherwise.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/inboxsync/internal/logging"
)

const (
	SourcePassthrough = "passthrough"

	maxTitleRunes  = 80
	maxTags        = 10
	defaultTimeout = 20 * time.Second
)

var (
	ErrClassification  = errors.New("classification failed")
	ErrNoProvider      = errors.New("no classification provider configured")
	ErrBudgetExhausted = errors.New("classification budget exhausted")
)

type Result struct {
	Title      string            `json:"title"`
	Tags       []string          `json:"tags,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Source     string            `json:"source"`
}

// Provider is one AI backend.
type Provider interface {
	Name() string
	Classify(ctx context.Context, content string) (Result, error)
}

// ClassificationError records why a provider result could not be used. It is
// logged, never returned to sync callers.
type ClassificationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("classify via %s: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("classify via %s: %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

func (e *ClassificationError) Is(target error) bool {
	return target == ErrClassification
}

type Options struct {
	Provider Provider
	// MaxCallsPerRun caps provider calls in one Session; 0 means unlimited.
	MaxCallsPerRun int
	// CallsPerMinute rate-limits provider calls in one Session; 0 means
	// unlimited.
	CallsPerMinute int
	// Timeout bounds each provider call.
	Timeout time.Duration
	// Properties are the property keys a result may carry. Keys the provider
	// returns outside this list are dropped; an empty list drops them all.
	Properties []string
	Logger     *slog.Logger
}

type Classifier struct {
	provider       Provider
	properties     map[string]string
	maxCallsPerRun int
	callsPerMinute int
	timeout        time.Duration
	logger         *slog.Logger
}

func New(opts Options) *Classifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxCalls := opts.MaxCallsPerRun
	if maxCalls < 0 {
		maxCalls = 0
	}
	perMinute := opts.CallsPerMinute
	if perMinute < 0 {
		perMinute = 0
	}
	return &Classifier{
		provider:       opts.Provider,
		properties:     propertyIndex(opts.Properties),
		maxCallsPerRun: maxCalls,
		callsPerMinute: perMinute,
		timeout:        timeout,
		logger:         logger,
	}
}

// ProviderName returns the configured provider, or "passthrough".
func (c *Classifier) ProviderName() string {
	if c == nil || c.provider == nil {
		return SourcePassthrough
	}
	return c.provider.Name()
}

// Begin starts a budget scope, normally one per sync run. Sessions are safe
// for concurrent use.
func (c *Classifier) Begin() *Session {
	s := &Session{classifier: c}
	if c != nil && c.callsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.callsPerMinute)), c.callsPerMinute)
	}
	return s
}

type Session struct {
	classifier *Classifier
	limiter    *rate.Limiter

	mu        sync.Mutex
	calls     int
	fallbacks int
}

// Classify never fails: any provider problem degrades to Passthrough.
func (s *Session) Classify(ctx context.Context, content string) Result {
	c := s.classifier
	if c == nil || c.provider == nil {
		s.noteFallback()
		return Passthrough(content)
	}
	if !s.reserve() {
		s.noteFallback()
		c.logger.Debug("classification budget exhausted, using passthrough", "provider", c.provider.Name())
		return Passthrough(content)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.provider.Classify(callCtx, content)
	if err == nil {
		result, err = sanitize(result, c.properties)
	}
	if err != nil {
		var classErr *ClassificationError
		if !errors.As(err, &classErr) {
			classErr = &ClassificationError{Provider: c.provider.Name(), Reason: failureReason(callCtx, err), Err: err}
		}
		c.logger.Warn("classification failed, using passthrough", "provider", c.provider.Name(), "reason", classErr.Reason, "error", classErr.Err)
		s.noteFallback()
		return Passthrough(content)
	}
	result.Source = c.provider.Name()
	return result
}

// Calls reports how many provider calls this session has made.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Session) Fallbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbacks
}

func (s *Session) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit := s.classifier.maxCallsPerRun; limit > 0 && s.calls >= limit {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	s.calls++
	return true
}

func (s *Session) noteFallback() {
	s.mu.Lock()
	s.fallbacks++
	s.mu.Unlock()
}

func failureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "provider error"
	}
}

// Passthrough derives a result from content alone: the first non-empty line,
// whitespace-collapsed and cut to 80 runes, and no tags.
func Passthrough(content string) Result {
	title := ""
	for _, line := range strings.Split(content, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			title = line
			break
		}
	}
	if title == "" {
		title = "Untitled"
	}
	return Result{Title: truncateRunes(title, maxTitleRunes), Source: SourcePassthrough}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimRightFunc(string(runes[:limit-3]), unicode.IsSpace) + "..."
}

// propertyIndex maps lowercased keys to their configured spelling.
func propertyIndex(keys []string) map[string]string {
	index := map[string]string{}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			index[strings.ToLower(key)] = key
		}
	}
	return index
}

// sanitize normalizes a provider result and rejects one without a title.
// Property keys are matched case-insensitively against allowed.
func sanitize(r Result, allowed map[string]string) (Result, error) {
	title := strings.Join(strings.Fields(r.Title), " ")
	if title == "" {
		return Result{}, fmt.Errorf("%w: provider returned an empty title", ErrClassification)
	}
	out := Result{Title: truncateRunes(title, maxTitleRunes), Source: r.Source}
	seen := map[string]bool{}
	for _, tag := range r.Tags {
		tag = strings.ToLower(strings.Join(strings.Fields(tag), " "))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out.Tags = append(out.Tags, tag)
		if len(out.Tags) == maxTags {
			break
		}
	}
	sort.Strings(out.Tags)
	for key, value := range r.Properties {
		key, ok := allowed[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			continue
		}
		if out.Properties == nil {
			out.Properties = map[string]string{}
		}
		out.Properties[key] = strings.TrimSpace(value)
	}
	return out, nil
}

const basePrompt = `You classify short captured notes for a personal task inbox.
Reply with a single JSON object and nothing else, shaped as:
{"title": "<short title, at most 80 characters>", "tags": ["<lowercase tag>", ...], "properties": {"<name>": "<value>"}}
Use at most five tags.`

// systemPrompt names the property keys the model may fill in.
func systemPrompt(properties []string) string {
	var keys []string
	for _, key := range properties {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, strconv.Quote(key))
		}
	}
	if len(keys) == 0 {
		return basePrompt + "\nAlways leave properties empty."
	}
	return basePrompt + "\nThe only allowed property names are " + strings.Join(keys, ", ") +
		". Use no other names, and only fill in a property you are confident about."
}

func userPrompt(content string) string {
	return "Classify this note:\n\n" + content
}

type rawResult struct {
	Title      string         `json:"title"`
	Tags       []string       `json:"tags"`
	Properties map[string]any `json:"properties"`
}

// parseResult extracts the JSON object from model output, tolerating code
// fences or prose around it.
func parseResult(text string) (Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("%w: no json object in model output", ErrClassification)
	}
	var raw rawResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Result{}, fmt.Errorf("%w: decode model output: %v", ErrClassification, err)
	}
	result := Result{Title: raw.Title, Tags: raw.Tags}
	for key, value := range raw.Properties {
		if result.Properties == nil {
			result.Properties = map[string]string{}
		}
		switch v := value.(type) {
		case string:
			result.Properties[key] = v
		case nil:
		default:
			encoded, _ := json.Marshal(v)
			result.Properties[key] = string(encoded)
		}
	}
	return result, nil
}

// NewProvider selects a provider by name. An empty name or "none" yields a
// nil provider, which classifies everything via Passthrough.
func NewProvider(name string, anthropicOpts AnthropicOptions, openAIOpts OpenAIOptions) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", SourcePassthrough:
		return nil, nil
	case "anthropic", "claude":
		p, err := NewAnthropicProvider(anthropicOpts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := NewOpenAIProvider(openAIOpts)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", name)
	}
}
