package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/agentlink/pkg/backend"
)

// Client implements backend.Backend over the studio HTTP API.
type Client struct {
	config     *backend.Config
	httpClient *http.Client
}

// New creates a new studio client with the given configuration.
func New(config *backend.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// tokenRequest is the token endpoint request body.
type tokenRequest struct {
	Key       string `json:"key"`
	Workspace string `json:"resourceName,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type tokenResponse struct {
	Token          string    `json:"token"`
	Type           string    `json:"type"`
	SessionID      string    `json:"sessionId"`
	ExpirationTime time.Time `json:"expirationTime"`
}

type loadSceneRequest struct {
	User            loadSceneUser         `json:"user"`
	Client          loadSceneClient       `json:"client"`
	SessionContinue *backend.Continuation `json:"sessionContinuation,omitempty"`
}

type loadSceneUser struct {
	EndUserID string `json:"endUserId,omitempty"`
	GivenName string `json:"givenName,omitempty"`
}

type loadSceneClient struct {
	ID string `json:"id"`
}

type stateResponse struct {
	State        []byte    `json:"state"`
	CreationTime time.Time `json:"creationTime"`
}

// GenerateToken requests a session token, continuing sessionID when set.
func (c *Client) GenerateToken(ctx context.Context, sessionID string) (backend.SessionToken, error) {
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/token", nil, tokenRequest{
		Key:       c.config.APIKey,
		Workspace: c.config.Workspace,
		SessionID: sessionID,
	}, &resp)
	if err != nil {
		return backend.SessionToken{}, fmt.Errorf("generating token: %w", err)
	}
	if resp.Token == "" {
		return backend.SessionToken{}, fmt.Errorf("generating token: empty token in response")
	}
	token := backend.SessionToken{
		Token:     resp.Token,
		Type:      resp.Type,
		SessionID: resp.SessionID,
		ExpiresAt: resp.ExpirationTime,
	}
	if token.SessionID == "" {
		token.SessionID = sessionID
	}
	return token, nil
}

// LoadScene loads the scene for the token's session.
func (c *Client) LoadScene(ctx context.Context, req backend.LoadSceneRequest) (backend.Scene, error) {
	body := loadSceneRequest{
		User:   loadSceneUser{GivenName: req.Player},
		Client: loadSceneClient{ID: "agentlink"},
	}
	if !req.Continuation.Empty() {
		body.SessionContinue = req.Continuation
	}
	q := url.Values{"session_id": {req.Token.SessionID}}

	var scene backend.Scene
	path := "/v1/" + strings.TrimPrefix(req.Scene, "/") + ":load"
	if err := c.do(ctx, http.MethodPost, path, q, body, &scene); err != nil {
		return backend.Scene{}, fmt.Errorf("loading scene %s: %w", req.Scene, err)
	}
	if scene.Name == "" {
		scene.Name = req.Scene
	}
	return scene, nil
}

// FetchState returns the current server-side snapshot for the session.
func (c *Client) FetchState(ctx context.Context, token backend.SessionToken, scene string) (backend.SessionState, error) {
	var resp stateResponse
	path := fmt.Sprintf("/v1/%s/sessions/%s/state", strings.TrimPrefix(scene, "/"), url.PathEscape(token.SessionID))
	if err := c.doAuth(ctx, http.MethodGet, path, token, &resp); err != nil {
		return backend.SessionState{}, fmt.Errorf("fetching session state: %w", err)
	}
	return backend.SessionState{State: resp.State, CreationTime: resp.CreationTime}, nil
}

// WebSocketURL builds the socket address for a session.
func (c *Client) WebSocketURL(token backend.SessionToken) (string, error) {
	base := c.config.WSURL
	if base == "" {
		base = c.config.BaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing websocket base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/session/open"
	u.RawQuery = url.Values{"session_id": {token.SessionID}}.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target := strings.TrimSuffix(c.config.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.config.APIKey)
	if c.config.APISecret != "" {
		req.Header.Set("X-Api-Secret", c.config.APISecret)
	}
	return c.send(req, out)
}

func (c *Client) doAuth(ctx context.Context, method, path string, token backend.SessionToken, out any) error {
	target := strings.TrimSuffix(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)
	req.Header.Set("Grpc-Metadata-session-id", token.SessionID)
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &backend.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
