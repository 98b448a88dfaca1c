package service

import "errors"

var (
	// ErrValidation marks input rejected before it enters the pipeline.
	ErrValidation = errors.New("validation failed")
	// ErrActiveSubmissionExists blocks a second live submission by the same student.
	ErrActiveSubmissionExists = errors.New("an active submission already exists for this assignment")
	// ErrInvalidTransition indicates an out-of-order lifecycle change.
	ErrInvalidTransition = errors.New("invalid submission status transition")
	// ErrSubmissionNotFound indicates an unknown submission id.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrAssignmentNotFound indicates an unknown assignment id.
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrForbidden indicates the actor may not touch the resource.
	ErrForbidden = errors.New("forbidden")
)
