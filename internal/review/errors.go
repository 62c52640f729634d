package review

import "errors"

// ErrConflict is matched by every error that conflicts with the current
// state of a document
var ErrConflict = errors.New("conflict")

var (
	// ErrNotFound is returned for an unknown document id
	ErrNotFound = errors.New("document not found")

	// ErrInvalidTransition is returned when an action is not allowed from the
	// document's status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInput is returned for a malformed request
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateConflict blocks approval of a flagged duplicate
	ErrDuplicateConflict = conflict("document is flagged as a duplicate and was not accepted")

	// ErrAlreadyMaterialized is returned once a record is linked
	ErrAlreadyMaterialized = conflict("a record was already created from this document")

	// ErrMaterializationInProgress is returned while another approval holds
	// the document
	ErrMaterializationInProgress = conflict("an approval is already in progress")

	// ErrClaimLost is returned when an approval's claim expired and the
	// document changed before its record could be linked
	ErrClaimLost = conflict("approval claim expired before the record was linked")

	// ErrLinkedRecord blocks deletion of a linked document
	ErrLinkedRecord = conflict("document is linked to a record")
)

type conflictError struct {
	msg string
}

func (e *conflictError) Error() string {
	return e.msg
}

func (e *conflictError) Is(target error) bool {
	return target == ErrConflict
}

func conflict(msg string) error {
	return &conflictError{msg: msg}
}
