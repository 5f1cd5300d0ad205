package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidCredential indicates a rejected provider API key
	ErrInvalidCredential = errors.New("invalid API key: must start with 'sk-'")
	// ErrNotConfigured indicates the provider credential has not been set yet
	ErrNotConfigured = errors.New("provider credential not configured")

	// ErrArchive indicates the uploaded blob could not be read as a ZIP archive
	ErrArchive = errors.New("invalid archive")
	// ErrNoDocuments indicates nothing usable was found in the archive
	ErrNoDocuments = errors.New("no valid documents found in archive")
	// ErrIndexBuild indicates the vector index could not be built
	ErrIndexBuild = errors.New("failed to build index")
	// ErrQuery indicates a question could not be answered
	ErrQuery = errors.New("failed to answer question")
	// ErrNoIndex indicates a question was asked before any documents were indexed
	ErrNoIndex = errors.New("no documents loaded")
	// ErrEmptyQuestion indicates a blank question; callers treat it as a no-op
	ErrEmptyQuestion = errors.New("empty question")
	// ErrSessionBusy indicates another action is still running on the session
	ErrSessionBusy = errors.New("session is busy")
)
