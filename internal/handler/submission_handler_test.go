package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
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

type memoryUploader struct{}

func (memoryUploader) Upload(_ context.Context, key string, reader io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, reader)
	return "https://files.test/" + key, err
}

type classroomApp struct {
	app        *fiber.App
	db         *gorm.DB
	dispatcher service.GradingDispatcher
}

// headerIdentity stands in for token validation: tests pick the caller through headers.
func headerIdentity(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Get("X-Test-User"), 10, 64)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	c.Locals(middleware.LocalUserID, uint(id))
	c.Locals(middleware.LocalUserRole, c.Get("X-Test-Role"))
	return c.Next()
}

func setupClassroomApp(t *testing.T, grader ai.Grader) classroomApp {
	t.Helper()

	dsn := fmt.Sprintf("file:handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	dispatcher := service.NewGradingDispatcher(grader, service.GradingDispatcherConfig{}, logger)

	assignmentService := service.NewAssignmentService(assignmentRepo, validate, logger)
	submissionService := service.NewSubmissionService(submissionRepo, assignmentRepo, dispatcher, memoryUploader{}, validate, service.SubmissionOptions{
		MaxUploadBytes: 1 << 20,
		AutoGrade:      true,
	}, logger)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		AssignmentHandler: handler.NewAssignmentHandler(assignmentService, logger),
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, logger),
		JWTMiddleware:     headerIdentity,
	})

	return classroomApp{app: app, db: db, dispatcher: dispatcher}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a classroomApp) do(t *testing.T, method, path, user, role string, body io.Reader, contentType string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Role", role)
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	if resp.StatusCode != fiber.StatusUnauthorized {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	}
	return resp.StatusCode, payload
}

func (a classroomApp) doJSON(t *testing.T, method, path, user, role string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	return a.do(t, method, path, user, role, reader, fiber.MIMEApplicationJSON)
}

func TestAssignmentRoutesRequireStaffToCreate(t *testing.T) {
	env := setupClassroomApp(t, &stubGrader{})

	status, _ := env.doJSON(t, http.MethodPost, "/api/v2/assignments", "5", models.RoleStudent, map[string]interface{}{"title": "Essay 1"})
	require.Equal(t, fiber.StatusForbidden, status)

	status, payload := env.doJSON(t, http.MethodPost, "/api/v2/assignments", "90", models.RoleTeacher, map[string]interface{}{
		"title":        "Essay 1",
		"instructions": "Grade on clarity.",
		"max_points":   50,
	})
	require.Equal(t, fiber.StatusCreated, status)

	var created struct {
		ID        uint `json:"id"`
		MaxPoints int  `json:"max_points"`
		CreatedBy uint `json:"created_by"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &created))
	require.Equal(t, 50, created.MaxPoints)
	require.Equal(t, uint(90), created.CreatedBy)

	status, _ = env.doJSON(t, http.MethodGet, fmt.Sprintf("/api/v2/assignments/%d", created.ID), "5", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusOK, status)

	status, _ = env.doJSON(t, http.MethodGet, "/api/v2/assignments/999", "5", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = env.doJSON(t, http.MethodGet, "/api/v2/assignments", "", "", nil)
	require.Equal(t, fiber.StatusUnauthorized, status)
}

func TestSubmissionLifecycle(t *testing.T) {
	score := 44
	grader := &stubGrader{result: ai.GradingResult{Feedback: "SCORE: 44", SuggestedGrade: &score, Provider: ai.ProviderMistral, Model: "mistral-large-latest"}}
	env := setupClassroomApp(t, grader)

	assignment := models.Assignment{Title: "Essay 1", Instructions: "Grade on clarity.", MaxPoints: 50}
	require.NoError(t, env.db.Create(&assignment).Error)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("assignment_id", strconv.Itoa(int(assignment.ID))))
	require.NoError(t, writer.WriteField("content", "A short essay."))
	part, err := writer.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text notes for the essay"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	status, payload := env.do(t, http.MethodPost, "/api/v2/submissions", "7", models.RoleStudent, body, writer.FormDataContentType())
	require.Equal(t, fiber.StatusCreated, status, payload.Message)

	var created struct {
		ID     uint   `json:"id"`
		Status string `json:"status"`
		Files  []struct {
			FileName string `json:"file_name"`
			FilePath string `json:"file_path"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &created))
	require.Equal(t, models.SubmissionStatusSubmitted, created.Status)
	require.Len(t, created.Files, 1)
	require.Equal(t, fmt.Sprintf("https://files.test/%d/7/notes.txt", assignment.ID), created.Files[0].FilePath)

	env.dispatcher.Wait()
	require.EqualValues(t, 1, grader.calls.Load())
	require.Contains(t, grader.input.SubmissionContent, "A short essay.")
	require.Contains(t, grader.input.SubmissionContent, "notes.txt")
	require.Equal(t, 50, grader.input.MaxPoints)

	path := fmt.Sprintf("/api/v2/submissions/%d", created.ID)

	status, _ = env.doJSON(t, http.MethodGet, path, "8", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, payload = env.doJSON(t, http.MethodGet, path, "90", models.RoleTeacher, nil)
	require.Equal(t, fiber.StatusOK, status)
	var detail struct {
		AIFeedback       string `json:"ai_feedback"`
		AISuggestedGrade *int   `json:"ai_suggested_grade"`
		Evaluations      []struct {
			Status string `json:"status"`
		} `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &detail))
	require.Equal(t, "SCORE: 44", detail.AIFeedback)
	require.Equal(t, 44, *detail.AISuggestedGrade)
	require.Len(t, detail.Evaluations, 1)
	require.Equal(t, models.GradingEvaluationCompleted, detail.Evaluations[0].Status)

	status, _ = env.doJSON(t, http.MethodPatch, path+"/grade", "7", models.RoleStudent, map[string]interface{}{"score": 50})
	require.Equal(t, fiber.StatusForbidden, status)

	status, _ = env.doJSON(t, http.MethodPatch, path+"/grade", "90", models.RoleTeacher, map[string]interface{}{"score": 75})
	require.Equal(t, fiber.StatusBadRequest, status)

	status, payload = env.doJSON(t, http.MethodPatch, path+"/grade", "90", models.RoleTeacher, map[string]interface{}{"score": 47, "feedback": "Nice work"})
	require.Equal(t, fiber.StatusOK, status)
	var graded struct {
		Status string   `json:"status"`
		Grade  *float64 `json:"grade"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &graded))
	require.Equal(t, models.SubmissionStatusGraded, graded.Status)
	require.Equal(t, 47.0, *graded.Grade)

	status, _ = env.doJSON(t, http.MethodPost, path+"/regrade", "90", models.RoleTeacher, nil)
	require.Equal(t, fiber.StatusAccepted, status)
	env.dispatcher.Wait()
	require.EqualValues(t, 2, grader.calls.Load())
}

func TestSubmissionDraftFlow(t *testing.T) {
	grader := &stubGrader{result: ai.GradingResult{Feedback: "fine"}}
	env := setupClassroomApp(t, grader)

	assignment := models.Assignment{Title: "Essay 2", MaxPoints: 20}
	require.NoError(t, env.db.Create(&assignment).Error)

	status, payload := env.doJSON(t, http.MethodPost, "/api/v2/submissions", "7", models.RoleStudent, map[string]interface{}{
		"assignment_id": assignment.ID,
		"content":       "first draft",
		"draft":         true,
	})
	require.Equal(t, fiber.StatusCreated, status)

	var draft struct {
		ID     uint   `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &draft))
	require.Equal(t, models.SubmissionStatusDraft, draft.Status)
	env.dispatcher.Wait()
	require.Zero(t, grader.calls.Load())

	submitPath := fmt.Sprintf("/api/v2/submissions/%d/submit", draft.ID)
	status, _ = env.doJSON(t, http.MethodPost, submitPath, "7", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusOK, status)
	env.dispatcher.Wait()
	require.EqualValues(t, 1, grader.calls.Load())

	status, _ = env.doJSON(t, http.MethodPost, submitPath, "7", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusConflict, status)

	status, payload = env.doJSON(t, http.MethodGet, "/api/v2/submissions?status=submitted", "7", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusOK, status)
	var listed []struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(payload.Data, &listed))
	require.Len(t, listed, 1)

	status, _ = env.doJSON(t, http.MethodGet, "/api/v2/submissions?status=lost", "7", models.RoleStudent, nil)
	require.Equal(t, fiber.StatusBadRequest, status)
}
