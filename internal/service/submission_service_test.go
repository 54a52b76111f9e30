package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

var (
	fixedNow = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	student  = Actor{ID: 10, Role: models.RoleStudent}
	teacher  = Actor{ID: 90, Role: models.RoleTeacher}
)

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *recordingUploader) Upload(_ context.Context, key string, reader io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return "https://cdn.test/" + key, nil
}

type submissionFixture struct {
	db         *gorm.DB
	service    SubmissionService
	grader     *stubGrader
	dispatcher GradingDispatcher
	uploader   *recordingUploader
	assignment models.Assignment
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:grading_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Assignment{}, &models.Submission{}, &models.SubmissionFile{}, &models.GradingEvaluation{}))
	return db
}

func setupSubmissionService(t *testing.T, grader *stubGrader) submissionFixture {
	t.Helper()
	return setupSubmissionServiceWith(t, grader, GradingDispatcherConfig{})
}

func setupSubmissionServiceWith(t *testing.T, grader *stubGrader, dispatcherCfg GradingDispatcherConfig) submissionFixture {
	t.Helper()

	db := openTestDB(t)
	due := fixedNow.Add(48 * time.Hour)
	assignment := models.Assignment{
		Title:        "Essay 1",
		Instructions: "Grade on clarity.",
		MaxPoints:    50,
		DueDate:      &due,
	}
	require.NoError(t, db.Create(&assignment).Error)

	var dispatcher GradingDispatcher
	if grader != nil {
		dispatcher = NewGradingDispatcher(grader, dispatcherCfg, testLogger())
	}
	uploader := &recordingUploader{}

	svc := NewSubmissionService(
		repository.NewSubmissionRepository(db),
		repository.NewAssignmentRepository(db),
		dispatcher,
		uploader,
		validator.New(validator.WithRequiredStructEnabled()),
		SubmissionOptions{MaxUploadBytes: 1 << 20, AutoGrade: true},
		testLogger(),
	)
	svc.(*submissionService).now = func() time.Time { return fixedNow }

	return submissionFixture{db: db, service: svc, grader: grader, dispatcher: dispatcher, uploader: uploader, assignment: assignment}
}

func (f submissionFixture) wait() {
	if f.dispatcher != nil {
		f.dispatcher.Wait()
	}
}

func (f submissionFixture) reload(t *testing.T, id uint) models.Submission {
	t.Helper()
	var submission models.Submission
	require.NoError(t, f.db.Preload("Evaluations").First(&submission, id).Error)
	return submission
}

func newTestFileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(int64(len(content))+1024))
	files := req.MultipartForm.File["files"]
	require.Len(t, files, 1)
	return files[0]
}

func TestSubmissionServiceCreateDispatchesAutoGrading(t *testing.T) {
	fixture := setupSubmissionService(t, &stubGrader{result: scored(42)})

	created, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{
		AssignmentID: fixture.assignment.ID,
		Content:      "  A short essay.  ",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, created.Status)
	require.NotNil(t, created.SubmittedAt)
	require.Equal(t, "A short essay.", created.Content)

	fixture.wait()

	stored := fixture.reload(t, created.ID)
	require.Equal(t, models.SubmissionStatusSubmitted, stored.Status)
	require.Nil(t, stored.Grade)
	require.Equal(t, "SCORE: 42", stored.AIFeedback)
	require.NotNil(t, stored.AISuggestedGrade)
	require.Equal(t, 42, *stored.AISuggestedGrade)
	require.Len(t, stored.Evaluations, 1)
	require.Equal(t, models.GradingEvaluationCompleted, stored.Evaluations[0].Status)
	require.Equal(t, ai.ProviderMistral, stored.Evaluations[0].Provider)
	require.EqualValues(t, 1, fixture.grader.calls.Load())
}

func TestSubmissionServiceRecordsFailedEvaluation(t *testing.T) {
	fixture := setupSubmissionService(t, &stubGrader{err: &ai.ProviderError{StatusCode: 500}})

	created, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{
		AssignmentID: fixture.assignment.ID,
		Content:      "Work",
	}, nil)
	require.NoError(t, err)
	fixture.wait()

	stored := fixture.reload(t, created.ID)
	require.Equal(t, models.SubmissionStatusSubmitted, stored.Status)
	require.Empty(t, stored.AIFeedback)
	require.Nil(t, stored.AISuggestedGrade)
	require.Len(t, stored.Evaluations, 1)
	require.Equal(t, models.GradingEvaluationFailed, stored.Evaluations[0].Status)
	require.Equal(t, "provider api error: 500", stored.Evaluations[0].Error)
}

func TestSubmissionServiceRecordsTimedOutEvaluation(t *testing.T) {
	fixture := setupSubmissionServiceWith(t, &stubGrader{untilDone: true}, GradingDispatcherConfig{LockTTL: 50 * time.Millisecond})

	created, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{
		AssignmentID: fixture.assignment.ID,
		Content:      "Work",
	}, nil)
	require.NoError(t, err)
	fixture.wait()

	stored := fixture.reload(t, created.ID)
	require.Equal(t, models.SubmissionStatusSubmitted, stored.Status)
	require.Nil(t, stored.AISuggestedGrade)
	require.Len(t, stored.Evaluations, 1)
	require.Equal(t, models.GradingEvaluationFailed, stored.Evaluations[0].Status)
	require.Contains(t, stored.Evaluations[0].Error, "deadline exceeded")

	// The submission can be graded again once the timed out job released it.
	fixture.grader.untilDone = false
	fixture.grader.result = scored(40)
	require.NoError(t, fixture.service.Regrade(context.Background(), teacher, created.ID))
	fixture.wait()
	require.Equal(t, 40, *fixture.reload(t, created.ID).AISuggestedGrade)
}

func TestSubmissionServiceDraftSkipsGradingUntilSubmitted(t *testing.T) {
	fixture := setupSubmissionService(t, &stubGrader{result: scored(30)})

	draft, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{
		AssignmentID: fixture.assignment.ID,
		Content:      "work in progress",
		Draft:        true,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusDraft, draft.Status)
	fixture.wait()
	require.EqualValues(t, 0, fixture.grader.calls.Load())

	_, err = fixture.service.Submit(context.Background(), Actor{ID: 11, Role: models.RoleStudent}, draft.ID)
	require.ErrorIs(t, err, ErrSubmissionForbidden)

	submitted, err := fixture.service.Submit(context.Background(), student, draft.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusSubmitted, submitted.Status)
	fixture.wait()
	require.EqualValues(t, 1, fixture.grader.calls.Load())

	_, err = fixture.service.Submit(context.Background(), student, draft.ID)
	require.ErrorIs(t, err, ErrSubmissionNotDraft)
}

func TestSubmissionServiceRejectsLateWork(t *testing.T) {
	fixture := setupSubmissionService(t, nil)

	past := fixedNow.Add(-time.Hour)
	closed := models.Assignment{Title: "Closed", MaxPoints: 10, DueDate: &past}
	require.NoError(t, fixture.db.Create(&closed).Error)

	_, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: closed.ID, Content: "late"}, nil)
	require.ErrorIs(t, err, ErrSubmissionClosed)

	require.NoError(t, fixture.db.Model(&closed).Update("allow_late", true).Error)
	_, err = fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: closed.ID, Content: "late"}, nil)
	require.NoError(t, err)
}

func TestSubmissionServiceCreateValidation(t *testing.T) {
	fixture := setupSubmissionService(t, nil)

	_, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: fixture.assignment.ID}, nil)
	require.ErrorIs(t, err, ErrSubmissionEmpty)

	_, err = fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: 999, Content: "x"}, nil)
	require.ErrorIs(t, err, ErrAssignmentNotFound)

	_, err = fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{Content: "x"}, nil)
	var validationErrs validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrs))
}

func TestSubmissionServiceUploadsAttachments(t *testing.T) {
	fixture := setupSubmissionService(t, &stubGrader{result: scored(12)})

	pdf := newTestFileHeader(t, "report.pdf", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n"))
	created, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{
		AssignmentID: fixture.assignment.ID,
	}, []*multipart.FileHeader{pdf})
	require.NoError(t, err)
	fixture.wait()

	require.Len(t, created.Files, 1)
	require.Equal(t, "report.pdf", created.Files[0].FileName)
	require.Equal(t, "application/pdf", created.Files[0].MimeType)
	require.Equal(t, []string{fmt.Sprintf("%d/%d/report.pdf", fixture.assignment.ID, student.ID)}, fixture.uploader.keys)
}

func TestSubmissionServiceRejectsUnsupportedAttachment(t *testing.T) {
	fixture := setupSubmissionService(t, nil)

	binary := newTestFileHeader(t, "tool.exe", []byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff"))
	_, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{
		AssignmentID: fixture.assignment.ID,
		Content:      "see attachment",
	}, []*multipart.FileHeader{binary})
	require.ErrorIs(t, err, ErrUnsupportedFileType)
	require.Empty(t, fixture.uploader.keys)
}

func TestSubmissionServiceManualGrade(t *testing.T) {
	fixture := setupSubmissionService(t, nil)

	created, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: fixture.assignment.ID, Content: "essay"}, nil)
	require.NoError(t, err)

	over := 51.0
	_, err = fixture.service.Grade(context.Background(), teacher, created.ID, dto.SubmissionGradeRequest{Score: &over})
	require.ErrorIs(t, err, ErrScoreExceedsMax)

	score := 45.5
	graded, err := fixture.service.Grade(context.Background(), teacher, created.ID, dto.SubmissionGradeRequest{
		Score:    &score,
		Feedback: "<b>Well argued</b><script>alert(1)</script>",
	})
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusGraded, graded.Status)
	require.Equal(t, 45.5, *graded.Grade)
	require.Equal(t, "Well argued", graded.Feedback)
	require.Equal(t, teacher.ID, *graded.GradedBy)
}

func TestSubmissionServiceVisibility(t *testing.T) {
	fixture := setupSubmissionService(t, nil)

	mine, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: fixture.assignment.ID, Content: "mine"}, nil)
	require.NoError(t, err)
	other := Actor{ID: 11, Role: models.RoleStudent}
	_, err = fixture.service.Create(context.Background(), other, dto.SubmissionCreateRequest{AssignmentID: fixture.assignment.ID, Content: "theirs"}, nil)
	require.NoError(t, err)

	own, err := fixture.service.List(context.Background(), student, dto.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, mine.ID, own[0].ID)

	all, err := fixture.service.List(context.Background(), teacher, dto.SubmissionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = fixture.service.Get(context.Background(), other, mine.ID)
	require.ErrorIs(t, err, ErrSubmissionForbidden)

	_, err = fixture.service.Get(context.Background(), teacher, 999)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestSubmissionServiceRegrade(t *testing.T) {
	grader := &stubGrader{result: scored(20)}
	fixture := setupSubmissionService(t, grader)

	created, err := fixture.service.Create(context.Background(), student, dto.SubmissionCreateRequest{AssignmentID: fixture.assignment.ID, Content: "essay"}, nil)
	require.NoError(t, err)
	fixture.wait()

	require.ErrorIs(t, fixture.service.Regrade(context.Background(), student, created.ID), ErrSubmissionForbidden)

	grader.result = scored(35)
	require.NoError(t, fixture.service.Regrade(context.Background(), teacher, created.ID))
	fixture.wait()

	stored := fixture.reload(t, created.ID)
	require.Equal(t, 35, *stored.AISuggestedGrade)
	require.Len(t, stored.Evaluations, 2)
	require.EqualValues(t, 2, grader.calls.Load())
}
