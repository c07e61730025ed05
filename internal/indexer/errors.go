package indexer

import (
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var (
	// ErrPermissionDenied marks a source subtree that could not be read.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrFingerprintRace marks a file that changed while it was being indexed.
	// The row keeps the discovery-time fingerprint so the next refresh picks it up again.
	ErrFingerprintRace = errors.New("file changed while it was being indexed")

	// ErrSessionNotFound is returned for ids with no index row.
	ErrSessionNotFound = errors.New("session not found")
)

// SourceError represents a non-fatal error scoped to one source.
type SourceError struct {
	Source session.Source
	Path   string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// permissionError wraps err so that errors.Is(result, ErrPermissionDenied) holds.
func permissionError(err error) error {
	return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
}
