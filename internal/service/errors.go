package service

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrGmailDisabled      = errors.New("gmail integration is not configured")
	ErrShuttingDown       = errors.New("server is shutting down")
)
