package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingConsent    = errors.New("consent checker is required")

	// ErrVersionMismatch indicates that a guarded update found a different stored version.
	ErrVersionMismatch = errors.New("journal: stored version changed")
	// ErrInvalidCheckpoint indicates that a sync checkpoint token cannot be decoded.
	ErrInvalidCheckpoint = errors.New("journal: invalid sync checkpoint")
)

// ServiceError carries a dotted failure code for request-level failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ValidationError rejects a whole sync request on its first structural problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("journal: invalid request field %s: %s", e.Field, e.Reason)
}

// ConsentError rejects a whole sync request the consent collaborator did not allow.
type ConsentError struct {
	Operation   string
	DataClasses []string
	err         error
}

func (e *ConsentError) Error() string {
	message := fmt.Sprintf("journal: consent not granted for %s on %s", e.Operation, strings.Join(e.DataClasses, ","))
	if e.err != nil {
		return message + ": " + e.err.Error()
	}
	return message
}

func (e *ConsentError) Unwrap() error {
	return e.err
}

// FieldValidationError reports a semantically invalid value on a single entry.
type FieldValidationError struct {
	Field  string
	Reason string
}

func (e *FieldValidationError) Error() string {
	return fmt.Sprintf("journal: invalid value for %s: %s", e.Field, e.Reason)
}

// OrphanAttachmentError reports an attachment whose parent entry is unknown.
type OrphanAttachmentError struct {
	EntryMobileID MobileID
}

func (e *OrphanAttachmentError) Error() string {
	return fmt.Sprintf("journal: parent entry %s not found", e.EntryMobileID)
}

// StoreError wraps a persistence failure with its retry classification.
type StoreError struct {
	Retryable bool
	err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("journal: %s store error: %v", kind, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return &StoreError{Retryable: isTransientStoreError(err), err: err}
}

func isTransientStoreError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "database is locked"),
		strings.Contains(message, "database table is locked"),
		strings.Contains(message, "database is busy"),
		strings.Contains(message, "sqlite_busy"):
		return true
	default:
		return false
	}
}

// ItemErrorKind classifies per-item failures embedded in a sync response.
type ItemErrorKind string

const (
	ItemErrorFieldValidation    ItemErrorKind = "field_validation"
	ItemErrorOrphanAttachment   ItemErrorKind = "orphan_attachment"
	ItemErrorAttachmentNotFound ItemErrorKind = "attachment_not_found"
	ItemErrorTransientStore     ItemErrorKind = "transient_store"
	ItemErrorPermanentStore     ItemErrorKind = "permanent_store"
)

// ItemError is a per-entry or per-attachment failure that did not abort the batch.
type ItemError struct {
	MobileID  string        `json:"mobile_id"`
	Kind      ItemErrorKind `json:"kind"`
	Field     string        `json:"field,omitempty"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func newItemError(mobileID string, err error) ItemError {
	item := ItemError{MobileID: mobileID, Message: err.Error()}
	var fieldErr *FieldValidationError
	var orphanErr *OrphanAttachmentError
	var storeErr *StoreError
	switch {
	case errors.As(err, &fieldErr):
		item.Kind = ItemErrorFieldValidation
		item.Field = fieldErr.Field
	case errors.As(err, &orphanErr):
		item.Kind = ItemErrorOrphanAttachment
	case errors.Is(err, errAttachmentNotFound):
		item.Kind = ItemErrorAttachmentNotFound
	case errors.As(err, &storeErr) && storeErr.Retryable:
		item.Kind = ItemErrorTransientStore
		item.Retryable = true
	default:
		item.Kind = ItemErrorPermanentStore
	}
	return item
}
