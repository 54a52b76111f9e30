package handler

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

const (
	rateLimitedMessage  = "Rate limit exceeded. Please try again later."
	unauthorizedMessage = "Invalid API key. Please check your provider configuration."
)

// GradingHandler serves the grade-assignment function.
type GradingHandler struct {
	grader ai.Grader
	logger zerolog.Logger
}

// NewGradingHandler constructs the handler around a grader.
func NewGradingHandler(grader ai.Grader, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		grader: grader,
		logger: logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches the function route. CORS and pre-flight handling live in the group middleware.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/grade-assignment", h.Grade)
}

// Grade evaluates one submission and returns the model feedback with the suggested grade.
func (h *GradingHandler) Grade(c *fiber.Ctx) error {
	logger := requestLogger(h.logger, c)

	var payload dto.GradingRequest
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		logger.Error().Err(err).Msg("invalid grading request body")
		return sendGradingError(c, fiber.StatusInternalServerError, err.Error())
	}

	logger.Info().Str("assignment_title", payload.AssignmentTitle).Msg("grading assignment")

	result, err := h.grader.Grade(c.UserContext(), payload.Input())
	if err != nil {
		return h.handleError(c, logger, err)
	}

	return c.Status(fiber.StatusOK).JSON(dto.NewGradingResponse(result))
}

func (h *GradingHandler) handleError(c *fiber.Ctx, logger *zerolog.Logger, err error) error {
	var providerErr *ai.ProviderError
	switch {
	case errors.As(err, &providerErr) && providerErr.RateLimited():
		return sendGradingError(c, fiber.StatusTooManyRequests, rateLimitedMessage)
	case errors.As(err, &providerErr) && providerErr.Unauthorized():
		return sendGradingError(c, fiber.StatusUnauthorized, unauthorizedMessage)
	case errors.Is(err, ai.ErrMissingAPIKey):
		logger.Error().Msg("grading requested without a provider api key")
		return sendGradingError(c, fiber.StatusInternalServerError, err.Error())
	default:
		logger.Error().Err(err).Msg("grading failed")
		return sendGradingError(c, fiber.StatusInternalServerError, err.Error())
	}
}

func sendGradingError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(dto.GradingErrorResponse{Error: message})
}

// GradingRateLimited renders the limiter rejection in the function's error shape.
func GradingRateLimited(c *fiber.Ctx) error {
	return sendGradingError(c, fiber.StatusTooManyRequests, rateLimitedMessage)
}
