package registry

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when a student already has a record for the
// session. The token was valid; nothing was written.
var ErrDuplicate = errors.New("registry: already checked in for this session")

// Service coordinates attendance writes and the one-record-per-session rule.
type Service struct {
	repo *Repository
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// RegisterDevice validates and persists device metadata.
func (s *Service) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	return s.repo.UpsertDevice(ctx, deviceID)
}

// CheckIn records an attendance entry for a session. Exactly one record may
// exist per (sessionID, studentID); a second attempt returns ErrDuplicate.
func (s *Service) CheckIn(ctx context.Context, sessionID, studentID, method string, lat, lon *float64) (AttendanceRecord, error) {
	if sessionID == "" || studentID == "" {
		return AttendanceRecord{}, errors.New("session and student required")
	}
	exists, err := s.repo.AttendanceExists(ctx, sessionID, studentID)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if exists {
		return AttendanceRecord{}, ErrDuplicate
	}

	rec := AttendanceRecord{
		SessionID: sessionID,
		StudentID: studentID,
		Method:    method,
		CheckedIn: time.Now().UTC(),
		Latitude:  lat,
		Longitude: lon,
		Status:    "pending",
	}
	return s.repo.InsertRecord(ctx, rec)
}

// Review resolves a pending record to approved or rejected.
func (s *Service) Review(ctx context.Context, recordID string, approve bool) error {
	status := "rejected"
	if approve {
		status = "approved"
	}
	return s.repo.UpdateRecordStatus(ctx, recordID, status)
}

// Exists reports whether a record exists for the pair. Satisfies the
// scanner's AttendanceWriter lookup.
func (s *Service) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	return s.repo.AttendanceExists(ctx, sessionID, studentID)
}
