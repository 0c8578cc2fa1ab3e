package token

import "time"

// Generator issues signed tokens for course sessions. It holds the signer
// and validity window; everything else comes from the request.
type Generator struct {
	signer   *Signer
	validity time.Duration
	now      func() time.Time
}

// NewGenerator builds a generator with the given signer and validity window.
func NewGenerator(signer *Signer, validity time.Duration) *Generator {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Generator{signer: signer, validity: validity, now: time.Now}
}

// Generate issues a token for (courseID, sessionID), valid from now until
// now + validity. loc is the classroom position and may be nil when the
// instructor's device has no fix; geofencing then degrades on the scanner.
func (g *Generator) Generate(courseID, sessionID string, loc *Location) Token {
	issued := g.now().UnixMilli()
	expires := issued + g.validity.Milliseconds()
	return Token{
		Type:      TypeAttendance,
		CourseID:  courseID,
		SessionID: sessionID,
		IssuedAt:  issued,
		ExpiresAt: expires,
		Signature: g.signer.Sign(courseID, issued, expires),
		Location:  loc,
	}
}
