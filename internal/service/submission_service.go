package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

var (
	// ErrSubmissionNotFound indicates a submission could not be found.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionForbidden indicates the caller may not access the submission.
	ErrSubmissionForbidden = errors.New("submission belongs to another student")
	// ErrSubmissionClosed indicates the assignment no longer accepts work.
	ErrSubmissionClosed = errors.New("assignment is past due")
	// ErrSubmissionEmpty indicates a turned-in submission has neither content nor files.
	ErrSubmissionEmpty = errors.New("submission requires content or at least one file")
	// ErrSubmissionNotDraft indicates a draft-only transition was attempted on turned-in work.
	ErrSubmissionNotDraft = errors.New("submission is not a draft")
	// ErrScoreExceedsMax indicates a manual grade above the assignment scale.
	ErrScoreExceedsMax = errors.New("score exceeds assignment max points")
	// ErrUnsupportedFileType indicates an attachment failed MIME validation.
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrFileTooLarge indicates an attachment exceeds the configured limit.
	ErrFileTooLarge = errors.New("file exceeds maximum upload size")
	// ErrUploadUnavailable indicates attachments were sent without a configured blob store.
	ErrUploadUnavailable = errors.New("file uploads are not configured")
)

var allowedSubmissionTypes = []string{
	"application/pdf",
	"application/zip",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"text/plain",
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
}

// FileUploader stores binary data under a slash separated key and returns its URL.
type FileUploader interface {
	Upload(ctx context.Context, key string, reader io.Reader) (string, error)
}

// SubmissionOptions tunes the submission workflow.
type SubmissionOptions struct {
	MaxUploadBytes int64
	AutoGrade      bool
}

// SubmissionService orchestrates submission workflows.
type SubmissionService interface {
	List(ctx context.Context, actor Actor, filter dto.SubmissionFilter) ([]dto.SubmissionResponse, error)
	Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error)
	Create(ctx context.Context, actor Actor, payload dto.SubmissionCreateRequest, files []*multipart.FileHeader) (dto.SubmissionResponse, error)
	Submit(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error)
	Grade(ctx context.Context, actor Actor, id uint, payload dto.SubmissionGradeRequest) (dto.SubmissionResponse, error)
	Regrade(ctx context.Context, actor Actor, id uint) error
}

type submissionService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	dispatcher  GradingDispatcher
	uploader    FileUploader
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	options     SubmissionOptions
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewSubmissionService constructs a SubmissionService instance. dispatcher and uploader
// may be nil, which disables auto-grading and attachments respectively.
func NewSubmissionService(subRepo repository.SubmissionRepository, assignmentRepo repository.AssignmentRepository, dispatcher GradingDispatcher, uploader FileUploader, validate *validator.Validate, options SubmissionOptions, logger zerolog.Logger) SubmissionService {
	return &submissionService{
		submissions: subRepo,
		assignments: assignmentRepo,
		dispatcher:  dispatcher,
		uploader:    uploader,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		options:     options,
		logger:      logger.With().Str("component", "submission_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/submission"),
		now:         time.Now,
	}
}

func (s *submissionService) List(ctx context.Context, actor Actor, filter dto.SubmissionFilter) ([]dto.SubmissionResponse, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}

	repoFilter := repository.SubmissionFilter{
		AssignmentID: filter.AssignmentID,
		StudentID:    filter.StudentID,
		Status:       filter.Status,
	}
	if !actor.IsStaff() {
		studentID := actor.ID
		repoFilter.StudentID = &studentID
	}

	submissions, err := s.submissions.List(ctx, repoFilter)
	if err != nil {
		return nil, err
	}

	return dto.NewSubmissionResponseSlice(submissions), nil
}

func (s *submissionService) Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error) {
	submission, err := s.load(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !actor.CanView(submission) {
		return dto.SubmissionResponse{}, ErrSubmissionForbidden
	}

	return dto.NewSubmissionResponse(submission), nil
}

func (s *submissionService) Create(ctx context.Context, actor Actor, payload dto.SubmissionCreateRequest, files []*multipart.FileHeader) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	content := strings.TrimSpace(payload.Content)
	if !payload.Draft && content == "" && len(files) == 0 {
		return dto.SubmissionResponse{}, ErrSubmissionEmpty
	}

	assignment, err := s.assignments.GetByID(ctx, payload.AssignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrAssignmentNotFound
		}
		return dto.SubmissionResponse{}, err
	}

	now := s.now()
	if !payload.Draft && !assignment.AcceptsSubmissionAt(now) {
		return dto.SubmissionResponse{}, ErrSubmissionClosed
	}

	attachments, err := s.uploadFiles(ctx, assignment.ID, actor.ID, files)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	submission := models.Submission{
		AssignmentID: assignment.ID,
		StudentID:    actor.ID,
		Content:      content,
		Status:       models.SubmissionStatusDraft,
		Files:        attachments,
	}
	if !payload.Draft {
		submission.Status = models.SubmissionStatusSubmitted
		submission.SubmittedAt = &now
	}

	if err := s.submissions.Create(ctx, &submission); err != nil {
		return dto.SubmissionResponse{}, err
	}

	created, err := s.submissions.GetByID(ctx, submission.ID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", created.ID).
		Uint("assignment_id", created.AssignmentID).
		Str("status", created.Status).
		Int("files", len(created.Files)).
		Msg("submission created")

	if !created.IsDraft() {
		s.autoGrade(ctx, created)
	}

	return dto.NewSubmissionResponse(created), nil
}

func (s *submissionService) Submit(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error) {
	submission, err := s.load(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if submission.StudentID != actor.ID {
		return dto.SubmissionResponse{}, ErrSubmissionForbidden
	}
	if !submission.IsDraft() {
		return dto.SubmissionResponse{}, ErrSubmissionNotDraft
	}
	if strings.TrimSpace(submission.Content) == "" && len(submission.Files) == 0 {
		return dto.SubmissionResponse{}, ErrSubmissionEmpty
	}

	now := s.now()
	if !submission.Assignment.AcceptsSubmissionAt(now) {
		return dto.SubmissionResponse{}, ErrSubmissionClosed
	}

	submission.Status = models.SubmissionStatusSubmitted
	submission.SubmittedAt = &now
	if err := s.submissions.Update(ctx, &submission); err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().Uint("submission_id", submission.ID).Msg("submission turned in")
	s.autoGrade(ctx, submission)

	return dto.NewSubmissionResponse(submission), nil
}

// Grade records the teacher's final grade. The AI suggestion is left untouched.
func (s *submissionService) Grade(ctx context.Context, actor Actor, id uint, payload dto.SubmissionGradeRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "submissions.grade", trace.WithAttributes(
		attribute.Int64("submission.id", int64(id)),
		attribute.Int64("grader.id", int64(actor.ID)),
	))
	defer span.End()

	submission, err := s.load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}
	if submission.IsDraft() {
		span.SetStatus(codes.Error, "draft submission")
		return dto.SubmissionResponse{}, fmt.Errorf("cannot grade a draft: %w", ErrSubmissionNotDraft)
	}

	score := *payload.Score
	if score > float64(submission.Assignment.GradingScale()) {
		span.SetStatus(codes.Error, "score out of range")
		return dto.SubmissionResponse{}, ErrScoreExceedsMax
	}

	now := s.now()
	graderID := actor.ID
	submission.Grade = &score
	submission.Feedback = strings.TrimSpace(s.sanitizer.Sanitize(payload.Feedback))
	submission.GradedBy = &graderID
	submission.GradedAt = &now
	submission.Status = models.SubmissionStatusGraded

	if err := s.submissions.Update(ctx, &submission); err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("graded_by", graderID).
		Float64("grade", score).
		Msg("submission graded")

	return dto.NewSubmissionResponse(submission), nil
}

// Regrade requests a new automatic evaluation of turned-in work.
func (s *submissionService) Regrade(ctx context.Context, actor Actor, id uint) error {
	if !actor.IsStaff() {
		return ErrSubmissionForbidden
	}
	if s.dispatcher == nil {
		return ErrGraderUnavailable
	}

	submission, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if submission.IsDraft() {
		return fmt.Errorf("cannot regrade a draft: %w", ErrSubmissionNotDraft)
	}

	return s.dispatcher.Dispatch(ctx, s.gradingJob(ctx, submission), s.reconcileGrading)
}

func (s *submissionService) load(ctx context.Context, id uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}

// autoGrade starts background grading; failing to start never fails the submission.
func (s *submissionService) autoGrade(ctx context.Context, submission models.Submission) {
	if !s.options.AutoGrade || s.dispatcher == nil {
		return
	}

	if err := s.dispatcher.Dispatch(ctx, s.gradingJob(ctx, submission), s.reconcileGrading); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("automatic grading not started")
	}
}

func (s *submissionService) gradingJob(ctx context.Context, submission models.Submission) AutoGradeJob {
	return AutoGradeJob{
		SubmissionID:  submission.ID,
		CorrelationID: middleware.CorrelationIDFromContext(ctx),
		Input: ai.GradingInput{
			SubmissionContent:      gradingContent(submission),
			AssignmentTitle:        submission.Assignment.Title,
			AssignmentInstructions: submission.Assignment.GradingInstructions(),
			MaxPoints:              submission.Assignment.GradingScale(),
		},
	}
}

// reconcileGrading stores the outcome of a background grading job.
func (s *submissionService) reconcileGrading(ctx context.Context, job AutoGradeJob, result ai.GradingResult, gradeErr error) error {
	evaluation := models.GradingEvaluation{
		SubmissionID: job.SubmissionID,
		Provider:     result.Provider,
		Model:        result.Model,
	}

	if gradeErr != nil {
		evaluation.Status = models.GradingEvaluationFailed
		evaluation.Error = gradeErr.Error()
		return s.submissions.SaveEvaluation(ctx, &evaluation)
	}

	evaluation.Status = models.GradingEvaluationCompleted
	evaluation.Feedback = result.Feedback
	evaluation.SuggestedGrade = result.SuggestedGrade
	if len(result.Usage) > 0 {
		evaluation.Usage = datatypes.JSONMap(result.Usage)
	}

	if err := s.submissions.ApplyEvaluation(ctx, &evaluation); err != nil {
		return err
	}

	s.logger.Info().
		Uint("submission_id", job.SubmissionID).
		Bool("scored", result.SuggestedGrade != nil).
		Msg("ai evaluation stored")

	return nil
}

func (s *submissionService) uploadFiles(ctx context.Context, assignmentID, studentID uint, files []*multipart.FileHeader) ([]models.SubmissionFile, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if s.uploader == nil {
		return nil, ErrUploadUnavailable
	}

	// Validate everything before the first upload so a bad file leaves no orphans.
	mimeTypes := make([]string, len(files))
	for i, file := range files {
		if s.options.MaxUploadBytes > 0 && file.Size > s.options.MaxUploadBytes {
			return nil, fmt.Errorf("%s: %w", file.Filename, ErrFileTooLarge)
		}
		detected, err := detectFileType(file)
		if err != nil {
			return nil, err
		}
		mimeTypes[i] = detected
	}

	attachments := make([]models.SubmissionFile, 0, len(files))
	for i, file := range files {
		url, err := s.uploadFile(ctx, fmt.Sprintf("%d/%d/%s", assignmentID, studentID, path.Base(file.Filename)), file)
		if err != nil {
			return nil, err
		}

		attachments = append(attachments, models.SubmissionFile{
			FileName: file.Filename,
			FilePath: url,
			FileSize: file.Size,
			MimeType: mimeTypes[i],
		})
	}

	return attachments, nil
}

func (s *submissionService) uploadFile(ctx context.Context, key string, file *multipart.FileHeader) (string, error) {
	reader, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer reader.Close()

	url, err := s.uploader.Upload(ctx, key, reader)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return url, nil
}

func detectFileType(file *multipart.FileHeader) (string, error) {
	reader, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer reader.Close()

	detected, err := mimetype.DetectReader(reader)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}

	// Office formats are zip containers, so walking up the hierarchy accepts them too.
	for candidate := detected; candidate != nil; candidate = candidate.Parent() {
		for _, allowed := range allowedSubmissionTypes {
			if candidate.Is(allowed) {
				return detected.String(), nil
			}
		}
	}

	return "", fmt.Errorf("%s (%s): %w", file.Filename, detected.String(), ErrUnsupportedFileType)
}

// gradingContent is the text handed to the grader: the written answer plus an index of
// attachments, which the model cannot open itself.
func gradingContent(submission models.Submission) string {
	if len(submission.Files) == 0 {
		return submission.Content
	}

	var builder strings.Builder
	builder.WriteString(submission.Content)
	if submission.Content != "" {
		builder.WriteString("\n\n")
	}
	builder.WriteString("Attached files:\n")
	for _, file := range submission.Files {
		fmt.Fprintf(&builder, "- %s (%s)\n", file.FileName, file.MimeType)
	}
	return strings.TrimRight(builder.String(), "\n")
}
