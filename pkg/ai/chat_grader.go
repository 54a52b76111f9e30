package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ProviderMistral talks to the Mistral chat completion API.
	ProviderMistral = "mistral"
	// ProviderOpenAI talks to the OpenAI chat completion API.
	ProviderOpenAI = "openai"

	mistralBaseURL = "https://api.mistral.ai/v1"
	mistralModel   = "mistral-large-latest"
	openAIModel    = "gpt-4o-mini"
)

var (
	gradingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_duration_seconds",
		Help:      "Duration of AI grading completion requests",
	}, []string{"model"})

	gradingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "grading_requests_total",
		Help:      "Number of AI grading requests by outcome",
	}, []string{"model", "outcome"})
)

// ChatConfig defines configuration options for the chat completion grader.
type ChatConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	ReplyFormat ReplyFormat
	ScorePolicy ScorePolicy
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// ChatGrader implements Grader against an OpenAI-compatible chat completion endpoint.
type ChatGrader struct {
	client *openai.Client
	cfg    ChatConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewChatGrader builds a grader. An empty APIKey is accepted here so the service can boot;
// every Grade call then fails with ErrMissingAPIKey before touching the network.
func NewChatGrader(cfg ChatConfig) (*ChatGrader, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderMistral
	}

	switch cfg.Provider {
	case ProviderMistral:
		if cfg.BaseURL == "" {
			cfg.BaseURL = mistralBaseURL
		}
		if cfg.Model == "" {
			cfg.Model = mistralModel
		}
	case ProviderOpenAI:
		if cfg.Model == "" {
			cfg.Model = openAIModel
		}
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}

	switch cfg.ReplyFormat {
	case "":
		cfg.ReplyFormat = ReplyFormatText
	case ReplyFormatText, ReplyFormatJSON:
	default:
		return nil, fmt.Errorf("unsupported reply format %q", cfg.ReplyFormat)
	}

	switch cfg.ScorePolicy {
	case "":
		cfg.ScorePolicy = ScorePolicyPassthrough
	case ScorePolicyPassthrough, ScorePolicyClamp, ScorePolicyReject:
	default:
		return nil, fmt.Errorf("unsupported score policy %q", cfg.ScorePolicy)
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	return &ChatGrader{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/ai"),
		logger: logger.With().Str("component", "chat_grader").Str("provider", cfg.Provider).Logger(),
	}, nil
}

// Provider returns the configured provider name.
func (g *ChatGrader) Provider() string {
	return g.cfg.Provider
}

// Grade sends one chat completion request and extracts the suggested score from the reply.
// It never retries: every failure is returned to the caller as-is.
func (g *ChatGrader) Grade(parent context.Context, input GradingInput) (GradingResult, error) {
	if g.cfg.APIKey == "" {
		return GradingResult{}, ErrMissingAPIKey
	}

	input = input.normalized()

	ctx, span := g.tracer.Start(parent, "ai.grade", trace.WithAttributes(
		attribute.String("ai.provider", g.cfg.Provider),
		attribute.String("ai.model", g.cfg.Model),
		attribute.Int("grading.max_points", input.MaxPoints),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt(input.MaxPoints, g.cfg.ReplyFormat),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt(input),
			},
		},
	}
	if g.cfg.ReplyFormat == ReplyFormatJSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, request)
	gradingDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		classified := asProviderError(err)
		if providerErr, ok := classified.(*ProviderError); ok {
			g.logger.Error().Int("status", providerErr.StatusCode).Str("body", providerErr.Body).Msg("provider api error")
			gradingRequests.WithLabelValues(g.cfg.Model, fmt.Sprintf("status_%d", providerErr.StatusCode)).Inc()
		} else {
			g.logger.Error().Err(err).Msg("provider request failed")
			gradingRequests.WithLabelValues(g.cfg.Model, "transport_error").Inc()
		}
		span.RecordError(classified)
		span.SetStatus(codes.Error, classified.Error())
		return GradingResult{}, classified
	}

	if len(resp.Choices) == 0 {
		gradingRequests.WithLabelValues(g.cfg.Model, "empty").Inc()
		span.RecordError(ErrEmptyCompletion)
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return GradingResult{}, ErrEmptyCompletion
	}

	result := GradingResult{
		Feedback: resp.Choices[0].Message.Content,
		Provider: g.cfg.Provider,
		Model:    resp.Model,
		Usage: map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
	if result.Model == "" {
		result.Model = g.cfg.Model
	}

	score := g.readScore(&result)
	result.SuggestedGrade = ApplyScorePolicy(g.cfg.ScorePolicy, score, input.MaxPoints)

	outcome := "scored"
	if result.SuggestedGrade == nil {
		outcome = "unscored"
	}
	gradingRequests.WithLabelValues(g.cfg.Model, outcome).Inc()
	span.SetAttributes(attribute.Bool("grading.scored", result.SuggestedGrade != nil))

	return result, nil
}

func (g *ChatGrader) readScore(result *GradingResult) *int {
	if g.cfg.ReplyFormat != ReplyFormatJSON {
		return ExtractScore(result.Feedback)
	}

	reply, err := parseStructuredReply(result.Feedback)
	if err != nil {
		g.logger.Warn().Err(err).Msg("structured reply rejected, falling back to text parsing")
		return ExtractScore(result.Feedback)
	}

	result.Feedback = reply.render()
	score := reply.Score
	return &score
}
