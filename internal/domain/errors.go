package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or rule-violating input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// StateError reports an operation that is not valid for the current
// lifecycle state. State is left unchanged.
type StateError struct {
	Entity string
	ID     string
	Status string
	Op     string
	Reason string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("%s %s cannot %s while %s", e.Entity, e.ID, e.Op, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConflictError reports a duplicate open contract for a writer and platform.
type ConflictError struct {
	WriterID   string
	Platform   Platform
	ExistingID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("writer %s already has open contract %s on %s", e.WriterID, e.ExistingID, e.Platform)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// StoreError wraps persistence failures.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsState(err error) bool {
	var target StateError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsStore(err error) bool {
	var target StoreError
	return errors.As(err, &target)
}
