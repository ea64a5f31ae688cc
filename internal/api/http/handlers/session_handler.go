package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/domain"
)

// SessionView is the read side of a session.
type SessionView interface {
	Instance() string
	Status() domain.RefreshStatus
	CurrentToken() *auth.Token
	User() *domain.User
	Eligible() bool
}

// SessionHandler exposes the state of the local session. It never returns
// the token secret.
type SessionHandler struct {
	session SessionView
}

// NewSessionHandler returns a new handler instance.
func NewSessionHandler(session SessionView) *SessionHandler {
	return &SessionHandler{session: session}
}

type sessionResponse struct {
	Instance       string     `json:"instance"`
	Status         string     `json:"status"`
	Eligible       bool       `json:"eligible"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	User           *userView  `json:"user,omitempty"`
}

type userView struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Show reports status, token expiry and user.
func (h *SessionHandler) Show(c *fiber.Ctx) error {
	resp := sessionResponse{
		Instance: h.session.Instance(),
		Status:   h.session.Status().String(),
		Eligible: h.session.Eligible(),
	}
	if tok := h.session.CurrentToken(); tok != nil {
		exp := tok.ExpiresAt.UTC()
		resp.TokenExpiresAt = &exp
	}
	if u := h.session.User(); u != nil {
		resp.User = &userView{ID: u.ID, Email: u.Email, Name: u.DisplayName(), Roles: u.Roles}
	}
	return c.JSON(resp)
}
