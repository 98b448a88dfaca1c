package service

import (
	"strings"

	"github.com/noah-isme/gema-scoring-api/internal/models"
)

// Roles recognised by the scoring API.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// Actor identifies the caller of a service operation.
type Actor struct {
	ID   uint
	Role string
}

// IsStaff reports whether the actor holds a teacher or admin role.
func (a Actor) IsStaff() bool {
	role := strings.ToLower(a.Role)
	return role == RoleTeacher || role == RoleAdmin
}

// IsAdmin reports whether the actor manages every assignment.
func (a Actor) IsAdmin() bool {
	return strings.ToLower(a.Role) == RoleAdmin
}

// Manages reports whether the actor may administer the assignment: admins
// always, teachers only for assignments they own.
func (a Actor) Manages(assignment models.Assignment) bool {
	if a.IsAdmin() {
		return true
	}
	return a.IsStaff() && assignment.OwnedBy(a.ID)
}

// CanView reports whether the actor may read a submission authored by
// studentID for the given assignment.
func (a Actor) CanView(studentID uint, assignment models.Assignment) bool {
	if a.Manages(assignment) {
		return true
	}
	return strings.ToLower(a.Role) == RoleStudent && a.ID != 0 && a.ID == studentID
}
