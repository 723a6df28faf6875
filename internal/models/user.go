package models

import (
	"fmt"
	"strings"
)

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

// User is owned by the auth subsystem. This core only reads it.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"password"`
	Role         string `json:"user_type"`
	Active       bool   `json:"is_active"`
}

func (u *User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("%w: user email is required", ErrInvalid)
	}
	return nil
}

// CanUseAPI reports whether the user may call the administrative API: only
// active accounts with an elevated role qualify.
func (u *User) CanUseAPI() bool {
	return u.Active && u.Role != "" && u.Role != UserRoleUser
}
