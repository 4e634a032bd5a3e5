package orchestrator

import (
	"errors"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

// Sentinel errors checked with errors.Is, mirroring the teacher's
// instance_repo.go taxonomy rather than introducing a new error
// package. These back spec §7's CreateSubsetError variants.
var (
	ErrNameInvalid    = errors.New("orchestrator: device id does not match the allowed pattern")
	ErrNameExists     = errors.New("orchestrator: device id already exists")
	ErrDeviceNotFound = errors.New("orchestrator: unknown device id")
)

// ErrorCode is the stable, caller-facing code published on a
// subset_complete event, per spec §4.7 ("Error codes surfaced to
// callers: name-exists, name-invalid, unknown").
type ErrorCode string

const (
	CodeNone        ErrorCode = ""
	CodeNameExists  ErrorCode = "name-exists"
	CodeNameInvalid ErrorCode = "name-invalid"
	CodeUnknown     ErrorCode = "unknown"
)

// codeFor classifies err into one of the three codes a caller can act
// on, the orchestrator's sole place where an internal error is
// translated into the external taxonomy (spec §7's "only the
// orchestrator converts to user-facing codes").
func codeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrNameExists), errors.Is(err, rfs.ErrFileExists):
		return CodeNameExists
	case errors.Is(err, ErrNameInvalid):
		return CodeNameInvalid
	default:
		return CodeUnknown
	}
}
