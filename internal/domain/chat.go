package domain

import "time"

// SessionState is the phase of a chat session
type SessionState string

const (
	// StateUnconfigured means the provider credential is not set
	StateUnconfigured SessionState = "unconfigured"
	// StateAwaitingUpload means no index exists for the session
	StateAwaitingUpload SessionState = "awaiting_upload"
	// StateChatting means an index exists and questions are accepted
	StateChatting SessionState = "chatting"
)

// CredentialState is the phase of the process-wide provider credential
type CredentialState string

const (
	CredentialUnconfigured CredentialState = "unconfigured"
	CredentialConfigured   CredentialState = "configured"
)

// Session represents a chat session
type Session struct {
	ID             string       `json:"id"`
	State          SessionState `json:"state"`
	DocumentCount  int          `json:"document_count"`
	AttemptedCount int          `json:"attempted_count"`
	Warnings       []Warning    `json:"warnings,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ChatEntry is one answered question in a session transcript
type ChatEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Source represents a retrieved passage used for an answer
type Source struct {
	FileName string  `json:"file_name"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// Answer is the synthesized response to a question
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`
}

// AskRequest is the request to ask a question
type AskRequest struct {
	Question string `json:"question"`
}

// CredentialRequest is the request to configure the provider credential
type CredentialRequest struct {
	APIKey string `json:"api_key"`
}

// Stats represents system statistics
type Stats struct {
	TotalSessions   int  `json:"total_sessions"`
	IndexedSessions int  `json:"indexed_sessions"`
	TotalQuestions  int  `json:"total_questions"`
	TotalUploads    int  `json:"total_uploads"`
	Configured      bool `json:"configured"`
}
