// Package llm generates educational text through the OpenRouter chat
// completions API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/memelearn/service_layer/internal/cache"
	"github.com/memelearn/service_layer/internal/domain/content"
	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/metrics"
	"github.com/memelearn/service_layer/internal/ratelimit"
)

// Provider labels OpenRouter in errors, metrics and the governor.
const Provider = "OpenRouter"

// AppTitle is sent as X-Title so usage shows up under the application name.
const AppTitle = "MemeLearn Educational Platform"

// DefaultCacheTTL is how long generated lessons, analyses and strategies are reused.
const DefaultCacheTTL = time.Hour

const (
	fallbackDescription = "Learn the fundamentals of meme coin trading."
	fallbackTakeaway    = "Always do your own research before investing."
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the chat completions request body.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
}

// Config configures the client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	PremiumModel string
	// Referer is sent as HTTP-Referer; usually the public web origin.
	Referer    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Cache holds generated results. Nil means a private in-memory cache.
	Cache    *cache.Cache
	CacheTTL time.Duration
	// Governor, when set, paces completions under the OpenRouter quota.
	Governor *ratelimit.Governor
	Logger   *logging.Logger
}

// Client calls OpenRouter.
type Client struct {
	http         *httputil.Client
	apiKey       string
	defaultModel string
	premiumModel string
	cache        *cache.Cache
	ttl          time.Duration
	governor     *ratelimit.Governor
	log          *logging.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("llm")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := cfg.Cache
	if c == nil {
		c = cache.New(cache.NewMemoryStore(), cache.WithLogger(log))
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	def := cfg.DefaultModel
	if def == "" {
		def = "anthropic/claude-3-haiku"
	}
	premium := cfg.PremiumModel
	if premium == "" {
		premium = "anthropic/claude-3-sonnet"
	}

	breaker := httputil.DefaultCircuitBreakerConfig()
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			Provider:   Provider,
			BaseURL:    base,
			Timeout:    timeout,
			HTTPClient: cfg.HTTPClient,
			Headers: map[string]string{
				"Authorization": "Bearer " + cfg.APIKey,
				"HTTP-Referer":  cfg.Referer,
				"X-Title":       AppTitle,
			},
			Retry: httputil.RetryConfig{
				MaxRetries:           1,
				InitialBackoff:       500 * time.Millisecond,
				MaxBackoff:           2 * time.Second,
				BackoffMultiplier:    2,
				RetryableStatusCodes: []int{http.StatusBadGateway, http.StatusServiceUnavailable},
			},
			CircuitBreaker: &breaker,
		}),
		apiKey:       cfg.APIKey,
		defaultModel: def,
		premiumModel: premium,
		cache:        c,
		ttl:          ttl,
		governor:     cfg.Governor,
		log:          log,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Complete runs one chat completion and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if c.apiKey == "" {
		return "", svcerrors.InvalidAPIKey(Provider)
	}
	if len(req.Messages) == 0 {
		return "", svcerrors.Validation("messages", "At least one message is required.")
	}
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if c.governor != nil {
		if err := c.governor.Acquire(ctx, Provider); err != nil {
			return "", svcerrors.Network(Provider, err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", svcerrors.Internal("encode completion request", err)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, httputil.Request{
		Method:      http.MethodPost,
		Path:        "/chat/completions",
		Body:        body,
		ContentType: "application/json",
		ExpectJSON:  true,
	})
	metrics.RecordUpstreamRequest(Provider, "complete", err, time.Since(start))
	if err != nil {
		return "", refine(resp, err)
	}

	text := gjson.GetBytes(resp.Body, "choices.0.message.content").String()
	if strings.TrimSpace(text) == "" {
		return "", svcerrors.Malformed(Provider, "choices.0.message.content", "completion has no content")
	}
	return text, nil
}

// GenerateLesson writes a short video script. A completion that is not the
// requested JSON is kept as the script under a generic title.
func (c *Client) GenerateLesson(ctx context.Context, req content.Request) (content.Content, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return content.Content{}, err
	}

	key := lessonKey(req)
	if v, l := cache.GetJSON[content.Content](ctx, c.cache, key, c.ttl); l.Status == cache.Fresh {
		return v, nil
	}

	model := c.defaultModel
	if req.Difficulty == content.Advanced {
		model = c.premiumModel
	}
	text, err := c.Complete(ctx, CompletionRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: educatorSystem},
			{Role: "user", Content: lessonPrompt(req)},
		},
		MaxTokens:   500,
		Temperature: 0.7,
		TopP:        0.9,
	})
	if err != nil {
		return content.Content{}, err
	}

	lesson := parseLesson(text, req)
	lesson.Model = model
	lesson.CreatedAt = c.cache.Now().UTC()
	cache.PutJSON(ctx, c.cache, key, lesson)
	return lesson, nil
}

// RememberLesson replaces the cached lesson for req with its stored copy, so
// a repeated request returns the stored row with its id.
func (c *Client) RememberLesson(ctx context.Context, req content.Request, stored content.Content) {
	cache.PutJSON(ctx, c.cache, lessonKey(req.Normalize()), stored)
}

func lessonKey(req content.Request) string {
	return fmt.Sprintf("educational-%s-%s-%d", strings.ToLower(req.Topic), req.Difficulty, req.Duration)
}

func parseLesson(text string, req content.Request) content.Content {
	var parsed struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Script      string   `json:"script"`
		KeyPoints   []string `json:"keyPoints"`
		Takeaway    string   `json:"takeaway"`
	}
	out := content.Content{
		Topic:      req.Topic,
		Category:   content.CategoryGenerated,
		Difficulty: req.Difficulty,
		Duration:   req.Duration,
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil || strings.TrimSpace(parsed.Script) == "" {
		out.Title = "Understanding " + req.Topic
		out.Description = fallbackDescription
		out.Script = text
		out.KeyPoints = []string{}
		out.Takeaway = fallbackTakeaway
		out.WordCount = content.WordCount(text)
		return out
	}

	out.Title = parsed.Title
	if out.Title == "" {
		out.Title = "Understanding " + req.Topic
	}
	out.Description = parsed.Description
	out.Script = parsed.Script
	out.KeyPoints = parsed.KeyPoints
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	out.Takeaway = parsed.Takeaway
	out.WordCount = content.WordCount(parsed.Script)
	return out
}

// Analysis is a short educational read of a coin's recent market data.
type Analysis struct {
	CoinID      string         `json:"coin_id"`
	CoinName    string         `json:"coin_name"`
	Analysis    string         `json:"analysis"`
	Timeframe   string         `json:"timeframe"`
	GeneratedAt time.Time      `json:"generated_at"`
	MarketData  AnalysisInputs `json:"market_data"`
}

// AnalysisInputs are the figures the analysis was written from.
type AnalysisInputs struct {
	Price     string             `json:"price"`
	Change24h marketdata.Measure `json:"change24h"`
	MarketCap marketdata.Measure `json:"market_cap"`
	Volume24h marketdata.Measure `json:"volume24h"`
}

// MarketAnalysis analyses q over timeframe (default 24h).
func (c *Client) MarketAnalysis(ctx context.Context, q marketdata.CoinQuote, timeframe string) (Analysis, error) {
	if q.ID == "" {
		return Analysis{}, svcerrors.Validation("coin", "A coin is required.")
	}
	if timeframe == "" {
		timeframe = "24h"
	}

	key := fmt.Sprintf("analysis-%s-%s", q.ID, timeframe)
	if v, l := cache.GetJSON[Analysis](ctx, c.cache, key, c.ttl); l.Status == cache.Fresh {
		return v, nil
	}

	text, err := c.Complete(ctx, CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: analystSystem},
			{Role: "user", Content: analysisPrompt(q)},
		},
		MaxTokens:   300,
		Temperature: 0.5,
	})
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		CoinID:      q.ID,
		CoinName:    q.Name,
		Analysis:    text,
		Timeframe:   timeframe,
		GeneratedAt: c.cache.Now().UTC(),
		MarketData: AnalysisInputs{
			Price:     q.Price.String(),
			Change24h: q.ChangePercent24h,
			MarketCap: q.MarketCap,
			Volume24h: q.Volume24h,
		},
	}
	cache.PutJSON(ctx, c.cache, key, a)
	return a, nil
}

// StrategyRequest describes the learner a strategy is written for.
type StrategyRequest struct {
	RiskTolerance   string   `json:"risk_tolerance"`
	InvestmentGoals []string `json:"investment_goals"`
	Experience      string   `json:"experience"`
}

// Strategy is a personalised, educational trading plan.
type Strategy struct {
	StrategyRequest
	Strategy    string    `json:"strategy"`
	GeneratedAt time.Time `json:"generated_at"`
}

// TradingStrategy writes a strategy for the learner.
func (c *Client) TradingStrategy(ctx context.Context, req StrategyRequest) (Strategy, error) {
	req.RiskTolerance = strings.ToLower(strings.TrimSpace(req.RiskTolerance))
	if req.RiskTolerance == "" {
		return Strategy{}, svcerrors.Validation("risk_tolerance", "Risk tolerance is required.")
	}
	if req.Experience == "" {
		req.Experience = content.Beginner
	}
	if req.InvestmentGoals == nil {
		req.InvestmentGoals = []string{}
	}

	key := fmt.Sprintf("strategy-%s-%s-%s", req.RiskTolerance, strings.Join(req.InvestmentGoals, "-"), req.Experience)
	if v, l := cache.GetJSON[Strategy](ctx, c.cache, key, c.ttl); l.Status == cache.Fresh {
		return v, nil
	}

	text, err := c.Complete(ctx, CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: strategySystem},
			{Role: "user", Content: strategyPrompt(req)},
		},
		MaxTokens:   400,
		Temperature: 0.6,
	})
	if err != nil {
		return Strategy{}, err
	}

	s := Strategy{StrategyRequest: req, Strategy: text, GeneratedAt: c.cache.Now().UTC()}
	cache.PutJSON(ctx, c.cache, key, s)
	return s, nil
}

// Question is one multiple-choice quiz question.
type Question struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// Quiz is a generated question set.
type Quiz struct {
	Topic       string     `json:"topic"`
	Difficulty  string     `json:"difficulty"`
	Questions   []Question `json:"questions"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// GenerateQuiz writes count questions about topic. Quizzes are not cached
// and a completion that is not quiz JSON is an error.
func (c *Client) GenerateQuiz(ctx context.Context, topic, difficulty string, count int) (Quiz, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Quiz{}, svcerrors.Validation("topic", "Topic is required.")
	}
	difficulty = strings.ToLower(difficulty)
	if difficulty == "" {
		difficulty = content.Beginner
	}
	if !content.ValidDifficulty(difficulty) {
		return Quiz{}, svcerrors.Validation("difficulty", "Difficulty must be beginner, intermediate or advanced.")
	}
	if count <= 0 {
		count = 5
	}
	if count > 20 {
		count = 20
	}

	text, err := c.Complete(ctx, CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: quizSystem},
			{Role: "user", Content: quizPrompt(topic, difficulty, count)},
		},
		MaxTokens:   800,
		Temperature: 0.7,
	})
	if err != nil {
		return Quiz{}, err
	}

	var parsed struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &parsed); err != nil {
		return Quiz{}, svcerrors.Malformed(Provider, "questions", "completion is not quiz JSON")
	}
	if len(parsed.Questions) == 0 {
		return Quiz{}, svcerrors.Malformed(Provider, "questions", "quiz has no questions")
	}
	for i, q := range parsed.Questions {
		if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
			return Quiz{}, svcerrors.Malformed(Provider, fmt.Sprintf("questions.%d.correctAnswer", i), "answer index out of range")
		}
	}
	return Quiz{
		Topic:       topic,
		Difficulty:  difficulty,
		Questions:   parsed.Questions,
		GeneratedAt: c.cache.Now().UTC(),
	}, nil
}

// Model is one model OpenRouter offers.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ContextLength int64  `json:"context_length,omitempty"`
}

// Models lists available models. Failures are logged and yield an empty list.
func (c *Client) Models(ctx context.Context) []Model {
	out := []Model{}
	resp, err := c.http.Do(ctx, httputil.Request{Method: http.MethodGet, Path: "/models", ExpectJSON: true})
	if err != nil {
		c.log.WithContext(ctx).WithError(err).Warn("failed to list models")
		return out
	}
	gjson.GetBytes(resp.Body, "data").ForEach(func(_, m gjson.Result) bool {
		out = append(out, Model{
			ID:            m.Get("id").String(),
			Name:          m.Get("name").String(),
			Description:   m.Get("description").String(),
			ContextLength: m.Get("context_length").Int(),
		})
		return true
	})
	return out
}

// ClearCache drops every cached generation.
func (c *Client) ClearCache(ctx context.Context) {
	c.cache.Clear(ctx)
}

// refine attaches OpenRouter's own error message.
func refine(resp *httputil.Response, err error) error {
	if resp == nil {
		return err
	}
	msg := gjson.GetBytes(resp.Body, "error.message").String()
	if se := svcerrors.GetServiceError(err); se != nil && msg != "" {
		se.WithDetails("upstream_message", msg)
	}
	return err
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return s
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
