// Package apperr defines the sentinel and wrapped error kinds the HTTP
// layer maps to status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrForbidden     = errors.New("forbidden")
	ErrPeerOffline   = errors.New("peer offline")
	ErrPeerTimeout   = errors.New("peer timeout")
)

// PeerUpstreamError wraps a non-2xx response from a peer so the local HTTP
// layer can pass its status code through.
type PeerUpstreamError struct {
	Status int
	Body   string
}

func (e *PeerUpstreamError) Error() string {
	return fmt.Sprintf("peer upstream error: status %d", e.Status)
}

// NewPeerUpstreamError constructs a PeerUpstreamError.
func NewPeerUpstreamError(status int, body string) error {
	return &PeerUpstreamError{Status: status, Body: body}
}
