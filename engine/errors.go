package engine

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrReadOnly     = errors.New("tag is not writable")
	ErrSaveFailed   = errors.New("failed to save config")
)
