package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TypeAttendance is the discriminator carried by every attendance token.
// Payloads with any other type are rejected at decode time.
const TypeAttendance = "attendance"

// DefaultValidity is how long a generated token stays scannable.
const DefaultValidity = 5 * time.Minute

var (
	// ErrMalformed means the payload could not be parsed at all.
	ErrMalformed = errors.New("token: malformed payload")
	// ErrMissingField means the payload parsed but lacks a required field.
	ErrMissingField = errors.New("token: missing required field")
)

// Location is the classroom position stamped into a token.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Token is the signed, time-boxed payload rendered into a QR code.
// It is a value object: immutable once issued, never persisted.
type Token struct {
	Type      string    `json:"type"`
	CourseID  string    `json:"courseId"`
	IssuedAt  int64     `json:"timestamp"` // ms epoch; wire key kept as "timestamp"
	ExpiresAt int64     `json:"expiresAt"` // ms epoch
	Signature string    `json:"signature"`
	Location  *Location `json:"location,omitempty"`
	SessionID string    `json:"sessionId"`
}

// Encode serializes a token to its wire form.
func (t Token) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a scanned string and checks structural completeness.
// Returns ErrMalformed for unparseable input and ErrMissingField when a
// required field is absent; both are terminal for the caller.
func Decode(raw string) (Token, error) {
	var t Token
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"type", t.Type != ""},
		{"courseId", t.CourseID != ""},
		{"timestamp", t.IssuedAt != 0},
		{"expiresAt", t.ExpiresAt != 0},
		{"signature", t.Signature != ""},
		{"sessionId", t.SessionID != ""},
	} {
		if !f.ok {
			return Token{}, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if t.Type != TypeAttendance {
		return Token{}, fmt.Errorf("%w: type", ErrMissingField)
	}
	return t, nil
}

// IssuedTime returns issuedAt as a time.Time.
func (t Token) IssuedTime() time.Time { return time.UnixMilli(t.IssuedAt) }

// ExpiryTime returns expiresAt as a time.Time.
func (t Token) ExpiryTime() time.Time { return time.UnixMilli(t.ExpiresAt) }
