package consts

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrStorage    = errors.New("storage failure")

	ErrEmailNotFound   = fmt.Errorf("email %w", ErrNotFound)
	ErrFolderNotFound  = fmt.Errorf("folder %w", ErrNotFound)
	ErrRuleNotFound    = fmt.Errorf("filter rule %w", ErrNotFound)
	ErrContactNotFound = fmt.Errorf("contact %w", ErrNotFound)

	ErrFolderExists      = fmt.Errorf("folder already exists: %w", ErrValidation)
	ErrInvalidFolderName = fmt.Errorf("invalid folder name: %w", ErrValidation)
	ErrReservedFolder    = fmt.Errorf("reserved folder: %w", ErrValidation)
	ErrSelfAddressed     = fmt.Errorf("cannot send email to yourself: %w", ErrValidation)
	ErrUnknownRecipient  = fmt.Errorf("recipient does not exist: %w", ErrValidation)
	ErrMissingRecipients = fmt.Errorf("at least one recipient is required: %w", ErrValidation)
	ErrMissingSubject    = fmt.Errorf("subject is required: %w", ErrValidation)
	ErrInvalidRule       = fmt.Errorf("invalid filter rule: %w", ErrValidation)

	ErrAttachmentNotAcknowledged = fmt.Errorf("attachment not acknowledged: %w", ErrValidation)
	ErrAttachmentIDInvalid       = fmt.Errorf("attachment id not issued or expired: %w", ErrValidation)
	ErrMimeMismatch              = fmt.Errorf("mime type does not match file extension: %w", ErrValidation)
	ErrEmptyUpload               = fmt.Errorf("empty upload: %w", ErrValidation)
	ErrAttachmentForbidden       = errors.New("attachment access forbidden")

	ErrVersionConflict = errors.New("record version conflict")
)

// Validation wraps a message as a validation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}
