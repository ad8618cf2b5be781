package auth

import "time"

// Context is the identity carried by a verified token.
type Context struct {
	UserID    string
	DeviceID  string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RawClaims map[string]interface{}
}
