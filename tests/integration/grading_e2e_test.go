package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

const jwtSecret = "integration-secret"

func bearer(t *testing.T, subject uint, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          fmt.Sprintf("%d", subject),
		"role":         "authenticated",
		"app_metadata": map[string]interface{}{"role": role},
		"exp":          time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func fakeCompletionAPI(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "cmpl-e2e",
			"object":  "chat.completion",
			"model":   "mistral-large-latest",
			"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": reply}}},
			"usage":   map[string]int{"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAutoGradingEndToEnd(t *testing.T) {
	var providerCalls atomic.Int32
	provider := fakeCompletionAPI(t, "SCORE: 18\n\nSTRENGTHS:\n- clear thesis", &providerCalls)

	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(redisServer.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	events := redisClient.Subscribe(context.Background(), "e2e:grading")
	t.Cleanup(func() { _ = events.Close() })
	_, err = events.Receive(context.Background())
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:e2e_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	logger := zerolog.New(io.Discard)
	grader, err := ai.NewChatGrader(ai.ChatConfig{APIKey: "e2e-key", BaseURL: provider.URL + "/v1", Logger: logger})
	require.NoError(t, err)

	cfg := config.Config{AppName: "E2E", JWTSecret: jwtSecret, GradingRateLimit: 30}
	validate := validator.New(validator.WithRequiredStructEnabled())
	assignmentRepo := repository.NewAssignmentRepository(db)
	dispatcher := service.NewGradingDispatcher(grader, service.GradingDispatcherConfig{Redis: redisClient, ChannelBase: "e2e"}, logger)
	submissionService := service.NewSubmissionService(repository.NewSubmissionRepository(db), assignmentRepo, dispatcher, nil, validate, service.SubmissionOptions{AutoGrade: true}, logger)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler:    handler.NewGradingHandler(grader, logger),
		AssignmentHandler: handler.NewAssignmentHandler(service.NewAssignmentService(assignmentRepo, validate, logger), logger),
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, logger),
	})

	call := func(method, path, auth string, body interface{}) (int, map[string]interface{}) {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		payload := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		return resp.StatusCode, payload
	}

	teacher := bearer(t, 90, models.RoleTeacher)
	student := bearer(t, 7, models.RoleStudent)

	status, payload := call(http.MethodPost, "/api/v2/assignments", teacher, map[string]interface{}{
		"title":        "Persuasive essay",
		"instructions": "Argue one side clearly.",
		"max_points":   20,
	})
	require.Equal(t, http.StatusCreated, status, payload)
	assignmentID := payload["data"].(map[string]interface{})["id"]

	status, payload = call(http.MethodPost, "/api/v2/submissions", student, map[string]interface{}{
		"assignment_id": assignmentID,
		"content":       "Homework should be optional because...",
	})
	require.Equal(t, http.StatusCreated, status, payload)
	submissionID := uint(payload["data"].(map[string]interface{})["id"].(float64))

	dispatcher.Wait()
	require.EqualValues(t, 1, providerCalls.Load())

	var stored models.Submission
	require.NoError(t, db.Preload("Evaluations").First(&stored, submissionID).Error)
	require.Equal(t, models.SubmissionStatusSubmitted, stored.Status)
	require.Equal(t, 18, *stored.AISuggestedGrade)
	require.Len(t, stored.Evaluations, 1)
	require.EqualValues(t, 150, stored.Evaluations[0].Usage["total_tokens"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := events.ReceiveMessage(ctx)
	require.NoError(t, err)
	var event service.GradingCompletedEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	require.Equal(t, submissionID, event.SubmissionID)
	require.Equal(t, 18, *event.SuggestedGrade)

	// The synchronous function shares the grader.
	status, payload = call(http.MethodPost, "/functions/v1/grade-assignment", "", map[string]interface{}{
		"submissionContent": "short answer",
		"assignmentTitle":   "Quiz",
	})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 18, payload["suggestedGrade"])
	require.EqualValues(t, 2, providerCalls.Load())
}
