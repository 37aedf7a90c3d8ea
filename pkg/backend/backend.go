package backend

import "context"

// TokenGenerator issues session tokens. Passing the previous token's
// session id asks the backend to continue that session.
type TokenGenerator interface {
	GenerateToken(ctx context.Context, sessionID string) (SessionToken, error)
}

// SceneLoader resolves a scene into its character roster for a session.
type SceneLoader interface {
	LoadScene(ctx context.Context, req LoadSceneRequest) (Scene, error)
}

// StateFetcher returns the opaque server-side snapshot of a session.
type StateFetcher interface {
	FetchState(ctx context.Context, token SessionToken, scene string) (SessionState, error)
}

// Backend is everything a connection needs from the character service
// besides the socket itself.
type Backend interface {
	TokenGenerator
	SceneLoader
	StateFetcher
}

// Config holds common configuration for backend clients.
type Config struct {
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
	Workspace string
}
