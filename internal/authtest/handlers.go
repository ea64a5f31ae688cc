package authtest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/inspect-session/internal/api/dto"
)

// RegisterRoutes wires the backend routes.
func RegisterRoutes(app *fiber.App, s *Server) {
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Post("/login", s.login)
	app.Post("/logout", s.logout)
	app.Post("/refresh", s.refresh)
	app.Post("/graphql", s.graphql)
}

func (s *Server) login(c *fiber.Ctx) error {
	s.loginCalls.Add(1)

	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if req.Email == "" || req.Password == "" {
		return fiber.NewError(http.StatusBadRequest, "email and password required")
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Email]
	s.mu.Unlock()
	if !ok || ComparePassword(acct.PasswordHash, req.Password) != nil {
		return fiber.NewError(http.StatusUnauthorized, "invalid credentials")
	}

	refresh, expires := s.openSession(acct.ID)
	setSessionCookies(c, refresh, expires)
	return s.issueToken(c, acct)
}

func (s *Server) logout(c *fiber.Ctx) error {
	s.logoutCalls.Add(1)

	s.mu.Lock()
	status := s.logoutStatus
	s.mu.Unlock()
	if status != 0 {
		return c.SendStatus(status)
	}

	s.mu.Lock()
	delete(s.sessions, c.Cookies(RefreshCookie))
	s.mu.Unlock()

	clearSessionCookies(c)
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) refresh(c *fiber.Ctx) error {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay, status, body := s.refreshDelay, s.refreshStatus, s.refreshBody
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		return c.SendStatus(status)
	}
	if body != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(body)
	}

	acct, ok := s.lookupSession(c.Cookies(RefreshCookie))
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "invalid refresh token")
	}
	return s.issueToken(c, acct)
}

func (s *Server) graphql(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
	}
	claims, err := s.tokens.ParseToken(parts[1])
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "invalid token")
	}

	var req dto.GraphQLRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if !strings.Contains(req.Query, "me") {
		return c.JSON(fiber.Map{"errors": []dto.GraphQLError{{Message: "unsupported operation"}}})
	}

	s.mu.Lock()
	acct, ok := s.accountByIDLocked(claims.Subject)
	s.mu.Unlock()
	if !ok {
		return c.JSON(fiber.Map{"data": dto.MeResponse{}})
	}

	s.meCalls.Add(1)
	return c.JSON(fiber.Map{"data": dto.MeResponse{Me: &dto.UserPayload{
		ID:        acct.ID,
		Roles:     acct.Roles,
		Email:     acct.Email,
		FirstName: acct.FirstName,
		LastName:  acct.LastName,
	}}})
}

func (s *Server) issueToken(c *fiber.Ctx, acct *Account) error {
	token, exp, err := s.tokens.GenerateToken(acct.ID, acct.Email)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "token generation failed")
	}
	return c.JSON(dto.TokenResponse{Token: token, TokenExpires: exp.UTC().Format(time.RFC3339Nano)})
}

func setSessionCookies(c *fiber.Ctx, refresh string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     RefreshCookie,
		Value:    refresh,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	c.Cookie(&fiber.Cookie{
		Name:     HintCookie,
		Value:    expires.UTC().Format(time.RFC3339),
		Path:     "/",
		Expires:  expires,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func clearSessionCookies(c *fiber.Ctx) {
	past := time.Unix(0, 0)
	for _, name := range []string{RefreshCookie, HintCookie} {
		c.Cookie(&fiber.Cookie{
			Name:     name,
			Path:     "/",
			Expires:  past,
			HTTPOnly: name == RefreshCookie,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}
}
