package session

import (
	"errors"
	"fmt"

	"bundlekit/internal/download"
)

var (
	ErrNotInitialized  = download.ErrNotInitialized
	ErrBundleNotLoaded = errors.New("bundle not loaded")
	ErrAssetNotFound   = errors.New("asset not found")
	ErrSceneNotFound   = errors.New("no loaded bundle holds scene")
	ErrNotReady        = errors.New("asset request not finished")
	ErrRequestExpired  = errors.New("asset request already claimed or auto-released")
	ErrClosed          = errors.New("session is shut down")
)

// PreconditionError reports a call made in a state where it is not
// allowed, such as loading before Init or releasing an unknown handle.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %v", e.Op, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }
