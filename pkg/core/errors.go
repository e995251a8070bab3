package core

import (
	"errors"
)

// Sentinel errors shared across the tracker packages.
var (
	ErrNotAuthenticated  = errors.New("tracker: no authenticated user")
	ErrUploadNotFound    = errors.New("tracker: upload not found")
	ErrUploadsInProgress = errors.New("tracker: uploads still processing")
	ErrInvalidFileName   = errors.New("tracker: invalid file name")
	ErrFileNameTooLong   = errors.New("tracker: file name too long")
	ErrFileTooLarge      = errors.New("tracker: file exceeds size limit")
	ErrInvalidMetadata   = errors.New("tracker: invalid upload metadata")
	ErrAlreadyProcessing = errors.New("tracker: backend is already processing an upload")
)
