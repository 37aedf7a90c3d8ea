package backend

import "time"

// SessionToken authorizes one socket connection. SessionID survives token
// refreshes so the backend can keep the conversation going.
type SessionToken struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expirationTime"`
}

// Expired reports whether the token is unusable at now, treating anything
// within skew of its expiry as already expired.
func (t SessionToken) Expired(now time.Time, skew time.Duration) bool {
	if t.Token == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

// Character is one agent of a scene.
type Character struct {
	ID           string            `json:"agentId"`
	ResourceName string            `json:"name"`
	DisplayName  string            `json:"displayName"`
	Assets       map[string]string `json:"assets,omitempty"`
}

// Scene is the loaded roster for a session.
type Scene struct {
	Name          string        `json:"name"`
	Characters    []Character   `json:"agents"`
	PreviousState *SessionState `json:"previousState,omitempty"`
}

// FindCharacter looks a character up by id, resource name or display name.
func (s Scene) FindCharacter(name string) (Character, bool) {
	for _, c := range s.Characters {
		if c.ID == name || c.ResourceName == name || c.DisplayName == name {
			return c, true
		}
	}
	return Character{}, false
}

// SessionState is an opaque conversation snapshot.
type SessionState struct {
	State        []byte    `json:"state"`
	CreationTime time.Time `json:"creationTime"`
}

// DialogPhrase is one line of a previous conversation.
type DialogPhrase struct {
	Talker string `json:"talker"`
	Phrase string `json:"phrase"`
}

// Continuation seeds a new session with what came before: either a state
// snapshot or, failing that, the previous dialog.
type Continuation struct {
	PreviousState  []byte         `json:"previousState,omitempty"`
	PreviousDialog []DialogPhrase `json:"previousDialog,omitempty"`
}

func (c *Continuation) Empty() bool {
	return c == nil || (len(c.PreviousState) == 0 && len(c.PreviousDialog) == 0)
}

type LoadSceneRequest struct {
	Token        SessionToken
	Scene        string
	Player       string
	Continuation *Continuation
}
