package gemini

import "errors"

var (
	ErrNoCredentialAvailable = errors.New("no enabled gemini credential available")
	ErrTokenRevoked          = errors.New("gemini refresh token revoked")
	ErrAuthRejected          = errors.New("gemini authentication rejected by backend")
)
