package service

import (
	"strings"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	ID   uint
	Role string
}

// IsStaff reports whether the actor grades work rather than submitting it.
func (a Actor) IsStaff() bool {
	switch strings.ToLower(a.Role) {
	case models.RoleTeacher, models.RoleAdmin:
		return true
	default:
		return false
	}
}

// CanView reports whether the actor may read the submission.
func (a Actor) CanView(submission models.Submission) bool {
	return a.IsStaff() || submission.StudentID == a.ID
}
