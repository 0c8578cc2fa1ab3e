package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists courses, sessions and attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Course is a course with its optional registered classroom position.
type Course struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Instructor  string     `json:"instructor"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Accuracy    *float64   `json:"accuracy,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Session is one scheduled meeting of a course.
type Session struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedAt time.Time `json:"created_at"`
}

// AttendanceRecord is the durable outcome of a check-in. At most one exists
// per (session_id, student_id).
type AttendanceRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Method    string    `json:"method"`
	CheckedIn time.Time `json:"checked_in_at"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// GetCourse returns a course by id, or nil when not found.
func (r *Repository) GetCourse(ctx context.Context, id string) (*Course, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, instructor_id, latitude, longitude, accuracy, created_at
		FROM courses WHERE id = $1
	`, id)
	var c Course
	if err := row.Scan(&c.ID, &c.Name, &c.Instructor, &c.Latitude, &c.Longitude, &c.Accuracy, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListCourses returns all courses ordered by id.
func (r *Repository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, instructor_id, latitude, longitude, accuracy, created_at
		FROM courses ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Name, &c.Instructor, &c.Latitude, &c.Longitude, &c.Accuracy, &c.CreatedAt); err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// UpsertCourse creates or updates a course.
func (r *Repository) UpsertCourse(ctx context.Context, c Course) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO courses (id, name, instructor_id, latitude, longitude, accuracy)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			accuracy = EXCLUDED.accuracy,
			updated_at = NOW()
	`, c.ID, c.Name, c.Instructor, c.Latitude, c.Longitude, c.Accuracy)
	return err
}

// ListSessions returns sessions for a course, newest first.
func (r *Repository) ListSessions(ctx context.Context, courseID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, starts_at, ends_at, created_at
		FROM sessions WHERE course_id = $1
		ORDER BY starts_at DESC
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.CourseID, &s.StartsAt, &s.EndsAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetSession returns a session by id, or nil when not found.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, starts_at, ends_at, created_at
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.CourseID, &s.StartsAt, &s.EndsAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// AttendanceExists reports whether a record already exists for the pair.
func (r *Repository) AttendanceExists(ctx context.Context, sessionID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
		LIMIT 1
	`, sessionID, studentID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InsertRecord writes a new attendance record.
func (r *Repository) InsertRecord(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckedIn.IsZero() {
		rec.CheckedIn = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "pending"
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, method, checked_in_at, latitude, longitude, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Method, rec.CheckedIn, rec.Latitude, rec.Longitude, rec.Status)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return AttendanceRecord{}, err
	}
	return rec, nil
}

// GetRecord returns a single record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (AttendanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, method, checked_in_at, latitude, longitude, status, created_at
		FROM attendance_records WHERE id = $1
	`, id)
	var rec AttendanceRecord
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Method, &rec.CheckedIn, &rec.Latitude, &rec.Longitude, &rec.Status, &rec.CreatedAt); err != nil {
		return AttendanceRecord{}, err
	}
	return rec, nil
}

// UpdateRecordStatus updates a record's status after review.
func (r *Repository) UpdateRecordStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET status = $2 WHERE id = $1
	`, id, status)
	return err
}

// ListRecords returns attendance records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, sessionID, studentID string, limit, offset int) ([]AttendanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, session_id, student_id, method, checked_in_at, latitude, longitude, status, created_at FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if sessionID != "" {
		clauses = append(clauses, "session_id = $"+itoa(len(args)+1))
		args = append(args, sessionID)
	}
	if studentID != "" {
		clauses = append(clauses, "student_id = $"+itoa(len(args)+1))
		args = append(args, studentID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY checked_in_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Method, &rec.CheckedIn, &rec.Latitude, &rec.Longitude, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertDevice ensures a device record exists for registration.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// IsEnrolled reports whether a student is enrolled in a course.
func (r *Repository) IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2 LIMIT 1
	`, courseID, studentID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
