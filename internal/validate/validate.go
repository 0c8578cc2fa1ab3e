package validate

import (
	"errors"
	"fmt"
	"time"

	"checkin/internal/geo"
	"checkin/internal/token"
)

// MaxDistanceM is the geofence radius: the device must be within this many
// meters of the registered classroom. The boundary is inclusive.
const MaxDistanceM = 100.0

// Course is the subset of course data the pipeline needs: identity plus the
// optional registered classroom position.
type Course struct {
	ID       string
	Name     string
	Location *token.Location
}

// CourseDirectory resolves course ids against the locally cached course
// list. Implementations return (nil, nil) when the course is unknown.
type CourseDirectory interface {
	Course(id string) (*Course, error)
}

// Position is the scanning device's best-known location.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Details records the independent pass/fail state of each check so a UI can
// show per-check status and tests can assert on partial failure causes.
type Details struct {
	TimeValid       bool `json:"timeValid"`
	SignatureValid  bool `json:"signatureValid"`
	CourseFound     bool `json:"courseFound"`
	LocationValid   bool `json:"locationValid"`
	LocationSkipped bool `json:"locationSkipped"`
}

// Result is the outcome of running a scanned token through the pipeline.
// Details is nil when the payload failed structural validation: the shape
// itself is untrustworthy, so no per-check state exists.
type Result struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	Details  *Details     `json:"details,omitempty"`
	Token    *token.Token `json:"-"`
	Course   *Course      `json:"-"`
	Distance float64      `json:"distance,omitempty"`
}

// Validator runs the ordered check pipeline against scanned tokens.
// Order matters: decode before field access, time before trusting the
// signature's temporal claims, signature before trusting courseId.
type Validator struct {
	signer  *token.Signer
	courses CourseDirectory
	now     func() time.Time
}

// New builds a validator over the given signer and course directory.
func New(signer *token.Signer, courses CourseDirectory) *Validator {
	return &Validator{signer: signer, courses: courses, now: time.Now}
}

// Validate runs the pipeline. pos is the device's current position, nil when
// no fix is available. locErr indicates an upstream location-subsystem
// failure; when set, the geofence stage is skipped rather than failed.
func (v *Validator) Validate(raw string, pos *Position, locErr error) Result {
	// Stage 0: decode and structural validation. Terminal, no details.
	tok, err := token.Decode(raw)
	if err != nil {
		msg := "Invalid QR code. Please scan a valid attendance code."
		if errors.Is(err, token.ErrMissingField) {
			msg = "Incomplete attendance code. Please scan a valid attendance code."
		}
		return Result{Success: false, Message: msg}
	}

	d := &Details{}
	now := v.now().UnixMilli()

	// Stage 1: time window, inclusive at both bounds.
	switch {
	case now < tok.IssuedAt:
		return Result{
			Message: "This code is not valid yet. Wait for your instructor to display it.",
			Details: d, Token: &tok,
		}
	case now > tok.ExpiresAt:
		ago := time.Duration(now-tok.ExpiresAt) * time.Millisecond
		mins := int(ago.Minutes())
		if mins < 1 {
			mins = 1
		}
		return Result{
			Message: fmt.Sprintf("This code expired %d minute(s) ago. Ask your instructor for a new one.", mins),
			Details: d, Token: &tok,
		}
	}
	d.TimeValid = true

	// Stage 2: signature. A mismatch means a field was altered after issue
	// or the code came from an unauthorized source.
	if !v.signer.Verify(tok) {
		return Result{
			Message: "Invalid code signature. The code may have been tampered with or was not issued by your instructor.",
			Details: d, Token: &tok,
		}
	}
	d.SignatureValid = true

	// Stage 3: the signed courseId must resolve against the cached courses.
	course, err := v.courses.Course(tok.CourseID)
	if err != nil || course == nil {
		return Result{
			Message: "Course not found. Contact your instructor to verify the code.",
			Details: d, Token: &tok,
		}
	}
	d.CourseFound = true

	// Stage 4: geofence, only when both positions are known and the location
	// subsystem did not fail. Location is defense in depth, not a hard
	// requirement: GPS is unreliable indoors.
	var distance float64
	if pos != nil && course.Location != nil && locErr == nil {
		distance = geo.Distance(pos.Latitude, pos.Longitude, course.Location.Latitude, course.Location.Longitude)
		if distance > MaxDistanceM {
			d.LocationValid = false
			return Result{
				Message: fmt.Sprintf("You are %.0fm from the classroom. You must be within %.0f meters to check in.", distance, MaxDistanceM),
				Details: d, Token: &tok, Course: course, Distance: distance,
			}
		}
		d.LocationValid = true
	} else {
		d.LocationValid = true
		d.LocationSkipped = true
	}

	msg := fmt.Sprintf("Checked in to %s.", course.Name)
	if d.LocationSkipped {
		msg += " Location could not be verified."
	}
	return Result{
		Success: true, Message: msg,
		Details: d, Token: &tok, Course: course, Distance: distance,
	}
}
