// Package scanner bridges the device camera and geolocation sensor to the
// validation pipeline: one-shot scan semantics, haptic feedback, the
// attendance write, and navigation after a successful check-in.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"checkin/internal/validate"
)

// State tracks where the controller is in its scan lifecycle. Modeled as an
// explicit enum so illegal re-entry is a checked transition, not a flag.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateValidating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateValidating:
		return "validating"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Accuracy is a requested geolocation fix quality, best first.
type Accuracy int

const (
	AccuracyHigh Accuracy = iota
	AccuracyBalanced
	AccuracyLow
	AccuracyLowest
)

// Geolocator is the external location sensor. Current may fail with
// permission-denied, timeout, or position-unavailable reasons.
type Geolocator interface {
	Current(ctx context.Context, acc Accuracy) (validate.Position, error)
}

// Haptics drives tactile feedback around a scan.
type Haptics interface {
	Warning()
	Success()
	Error()
}

// Record is one attendance entry to persist after a successful validation.
type Record struct {
	SessionID string
	StudentID string
	Method    string
	CheckedIn time.Time
	Latitude  *float64
	Longitude *float64
}

// AttendanceWriter is the external-store collaborator for the scanner.
// ErrAlreadyCheckedIn distinguishes duplicates from infrastructure errors.
type AttendanceWriter interface {
	Exists(ctx context.Context, sessionID, studentID string) (bool, error)
	Insert(ctx context.Context, rec Record) error
}

// Navigator moves the user away from the scan screen once the
// confirmation has been displayed.
type Navigator interface {
	Back()
}

// ErrAlreadyCheckedIn is returned when a record already exists for the
// (session, student) pair: the token was valid but nothing was written.
var ErrAlreadyCheckedIn = errors.New("scanner: already checked in for this session")

const (
	maxLocationRetries = 3
	retryBackoff       = 2 * time.Second
	successDisplay     = 2500 * time.Millisecond
)

// accuracyLadder is the order fixes are attempted in: each retry steps
// down a level so a weak indoor signal still yields something usable.
var accuracyLadder = []Accuracy{AccuracyHigh, AccuracyBalanced, AccuracyLow, AccuracyLowest}

// Controller runs one student's scan session. Not safe for concurrent use
// beyond the guarded HandleScan entry; the event source is a single UI loop.
type Controller struct {
	studentID string
	validator *validate.Validator
	locator   Geolocator
	haptics   Haptics
	store     AttendanceWriter
	nav       Navigator

	mu       sync.Mutex
	state    State
	pos      *validate.Position
	locErr   error
	backoff  time.Duration
	display  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a controller for a student. Collaborators must be non-nil
// except nav, which may be nil in headless callers.
func New(studentID string, v *validate.Validator, loc Geolocator, h Haptics, store AttendanceWriter, nav Navigator) *Controller {
	return &Controller{
		studentID: studentID,
		validator: v,
		locator:   loc,
		haptics:   h,
		store:     store,
		nav:       nav,
		state:     StateIdle,
		backoff:   retryBackoff,
		display:   successDisplay,
		sleep:     sleepCtx,
	}
}

// sleepCtx waits for d or until ctx is cancelled. The timer is always
// stopped, so an early teardown never leaks it.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireLocation walks the accuracy ladder until a fix succeeds or
// retries are exhausted, backing off between attempts. On exhaustion the
// controller records the failure and the geofence stage will be skipped.
// Cancelling ctx stops the ladder immediately.
func (c *Controller) AcquireLocation(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt <= maxLocationRetries; attempt++ {
		acc := accuracyLadder[attempt]
		pos, err := c.locator.Current(ctx, acc)
		if err == nil {
			c.mu.Lock()
			c.pos = &pos
			c.locErr = nil
			c.mu.Unlock()
			return
		}
		lastErr = err
		if attempt == maxLocationRetries {
			break
		}
		if serr := c.sleep(ctx, c.backoff); serr != nil {
			lastErr = serr
			break
		}
	}
	log.Printf("location unavailable after retries: %v", lastErr)
	c.mu.Lock()
	c.pos = nil
	c.locErr = lastErr
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arm moves the controller from Idle to Scanning. Returns false if a scan
// session is already in progress or finished.
func (c *Controller) Arm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateScanning
	return true
}

// Reset re-arms the controller after a failed scan. This is the only way
// back from Done: an explicit user action, never automatic, so a known-bad
// code cannot be re-scanned in a tight loop.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateScanning
}

// HandleScan processes one scan event. Only the first event in a session
// is accepted; later ones are dropped while the state is not Scanning.
// On a valid token it writes the attendance record and schedules
// navigation after the confirmation display delay.
func (c *Controller) HandleScan(ctx context.Context, raw string) (validate.Result, error) {
	c.mu.Lock()
	if c.state != StateScanning {
		c.mu.Unlock()
		return validate.Result{}, fmt.Errorf("scanner: scan ignored in state %s", c.state)
	}
	c.state = StateValidating
	pos, locErr := c.pos, c.locErr
	c.mu.Unlock()

	c.haptics.Warning()

	res := c.validator.Validate(raw, pos, locErr)

	c.mu.Lock()
	c.state = StateDone
	c.mu.Unlock()

	if !res.Success {
		c.haptics.Error()
		return res, nil
	}

	if err := c.record(ctx, res); err != nil {
		c.haptics.Error()
		return res, err
	}
	c.haptics.Success()

	if c.nav != nil {
		// Let the user read the confirmation before leaving the screen.
		if err := c.sleep(ctx, c.display); err == nil {
			c.nav.Back()
		}
	}
	return res, nil
}

func (c *Controller) record(ctx context.Context, res validate.Result) error {
	exists, err := c.store.Exists(ctx, res.Token.SessionID, c.studentID)
	if err != nil {
		return fmt.Errorf("scanner: attendance lookup failed: %w", err)
	}
	if exists {
		return ErrAlreadyCheckedIn
	}

	rec := Record{
		SessionID: res.Token.SessionID,
		StudentID: c.studentID,
		Method:    "qr",
		CheckedIn: time.Now().UTC(),
	}
	c.mu.Lock()
	if c.pos != nil {
		lat, lon := c.pos.Latitude, c.pos.Longitude
		rec.Latitude, rec.Longitude = &lat, &lon
	}
	c.mu.Unlock()

	if err := c.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("scanner: attendance write failed: %w", err)
	}
	return nil
}
