package api

// CreateEnvironmentRequest is the body of POST /api/environments.
type CreateEnvironmentRequest struct {
	Name          string  `json:"name" binding:"required"`
	RepositoryURL *string `json:"repositoryUrl,omitempty"`
	Branch        string  `json:"branch,omitempty"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	EnvironmentID    string  `json:"environmentId" binding:"required"`
	Name             *string `json:"name,omitempty"`
	WorkingDirectory string  `json:"workingDirectory,omitempty"`
	SessionType      string  `json:"sessionType,omitempty"`
	AgentID          *string `json:"agentId,omitempty"`
	Branch           string  `json:"branch,omitempty"`
}

// CommitRequest is the body of POST /api/git/commit/:sessionId.
type CommitRequest struct {
	Message string   `json:"message" binding:"required"`
	Files   []string `json:"files,omitempty"`
}

// PushRequest is the body of POST /api/git/push/:sessionId.
type PushRequest struct {
	Remote string `json:"remote,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// TokenRequest is the body of POST /api/auth/token.
type TokenRequest struct {
	Username string `json:"username" binding:"required"`
}

// RefreshRequest is the body of POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// CreateAgentRequest is the body of POST /api/agents.
type CreateAgentRequest struct {
	Name       string `json:"name" binding:"required"`
	Kind       string `json:"kind" binding:"required"`
	Credential string `json:"credential,omitempty"`
}
