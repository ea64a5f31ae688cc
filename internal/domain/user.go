package domain

import "strings"

// User is the profile of the signed-in account as returned by the `me` query.
type User struct {
	ID        string
	Roles     []string
	Email     string
	FirstName string
	LastName  string
}

// DisplayName joins first and last name, falling back to the email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// HasRole reports whether the user carries role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
