package models

import "time"

// AuthUser is the storefront user a request acts for.
type AuthUser struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// TokenRequest is sent by the storefront to obtain a bearer token for a logged-in user.
type TokenRequest struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      AuthUser  `json:"user"`
}
