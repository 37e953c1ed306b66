package cases

import (
	"errors"
)

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrInvalidCaseNumber   = errors.New("case number must be 1 or 2")
	ErrEmptyFile           = errors.New("file is empty")
	ErrFileTooLarge        = errors.New("file exceeds upload limit")
	ErrMissingOwner        = errors.New("owner id required")

	// ErrCaseExists is returned when the same owner uploads identical bytes
	// twice. It also matches storage.ErrAlreadyExists.
	ErrCaseExists = errors.New("case already uploaded")

	ErrCaseNotFound = errors.New("case not found")
	// ErrCaseBusy is returned when a case is being generated and cannot be
	// modified.
	ErrCaseBusy = errors.New("case is being processed")
	// ErrInvalidTransition means the case was not in the state a step needs,
	// usually because another worker already picked it up.
	ErrInvalidTransition = errors.New("invalid case status transition")

	// ErrGenerationFailed wraps the cause of a failed generation run. The
	// case has been rolled back when it is returned.
	ErrGenerationFailed = errors.New("question generation failed")
	// ErrRunAbandoned is the failure cause recorded for a case whose
	// generation run stopped without reaching a final status.
	ErrRunAbandoned = errors.New("generation run abandoned")
	// ErrNoQuestions means every prompt finished without a usable question.
	ErrNoQuestions = errors.New("no questions generated")
	ErrEnqueue     = errors.New("schedule generation")
)

// IsInputError reports whether err was caused by invalid upload input.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedFileType) ||
		errors.Is(err, ErrInvalidCaseNumber) ||
		errors.Is(err, ErrEmptyFile) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrMissingOwner)
}
