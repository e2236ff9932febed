package pty

import "errors"

// Errors returned by Manager operations. Causes from the OS are joined to
// these with %w, so callers can test with errors.Is and still print the cause.
var (
	ErrAllocation      = errors.New("failed to open pty")
	ErrSpawn           = errors.New("failed to spawn shell")
	ErrHandle          = errors.New("failed to acquire pty handle")
	ErrSessionNotFound = errors.New("session not found")
	ErrIO              = errors.New("pty i/o error")
)
