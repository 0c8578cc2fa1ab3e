package validate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"checkin/internal/token"
)

var testNow = time.UnixMilli(1700000000000)

type stubDirectory struct {
	courses map[string]*Course
	lookups int
}

func (d *stubDirectory) Course(id string) (*Course, error) {
	d.lookups++
	if c, ok := d.courses[id]; ok {
		return c, nil
	}
	return nil, nil
}

// classroom is ~12.9716N 77.5946E; points below are offsets from it.
const (
	classLat = 12.9716
	classLon = 77.5946
	// one meter of latitude in degrees on the test sphere
	degPerMeterLat = 1.0 / 111194.9
)

func testDirectory() *stubDirectory {
	return &stubDirectory{courses: map[string]*Course{
		"CS101": {
			ID: "CS101", Name: "Intro to Computer Science",
			Location: &token.Location{Latitude: classLat, Longitude: classLon, Accuracy: 10},
		},
		"HIST20": {ID: "HIST20", Name: "Modern History"}, // no classroom coordinates
	}}
}

func testValidator(dir CourseDirectory) (*Validator, *token.Signer) {
	signer := token.NewSigner("test-secret")
	v := New(signer, dir)
	v.now = func() time.Time { return testNow }
	return v, signer
}

func signedToken(signer *token.Signer, courseID string, issued, expires int64) string {
	tok := token.Token{
		Type:      token.TypeAttendance,
		CourseID:  courseID,
		SessionID: "sess-1",
		IssuedAt:  issued,
		ExpiresAt: expires,
		Signature: signer.Sign(courseID, issued, expires),
	}
	raw, _ := tok.Encode()
	return raw
}

func freshToken(signer *token.Signer, courseID string) string {
	return signedToken(signer, courseID, testNow.UnixMilli(), testNow.Add(5*time.Minute).UnixMilli())
}

func nearClassroom() *Position {
	return &Position{Latitude: classLat + 10*degPerMeterLat, Longitude: classLon}
}

func TestHappyPath(t *testing.T) {
	v, signer := testValidator(testDirectory())
	res := v.Validate(freshToken(signer, "CS101"), nearClassroom(), nil)

	if !res.Success {
		t.Fatalf("want success, got failure: %s", res.Message)
	}
	d := res.Details
	if d == nil || !d.TimeValid || !d.SignatureValid || !d.CourseFound || !d.LocationValid {
		t.Errorf("details = %+v, want all checks passing", d)
	}
	if d.LocationSkipped {
		t.Error("location should not be skipped when a fix and coordinates exist")
	}
	if !strings.Contains(res.Message, "Intro to Computer Science") {
		t.Errorf("success message should name the course: %q", res.Message)
	}
}

func TestMalformedPayloadShortCircuits(t *testing.T) {
	dir := testDirectory()
	v, _ := testValidator(dir)

	res := v.Validate("{{{ not a token", nearClassroom(), nil)
	if res.Success {
		t.Fatal("malformed payload accepted")
	}
	if res.Details != nil {
		t.Error("details must be omitted for structural failures")
	}
	if dir.lookups != 0 {
		t.Errorf("course lookup attempted %d times on malformed payload", dir.lookups)
	}
}

func TestMissingFieldShortCircuits(t *testing.T) {
	dir := testDirectory()
	v, _ := testValidator(dir)

	res := v.Validate(`{"type":"attendance","courseId":"CS101"}`, nil, nil)
	if res.Success || res.Details != nil || dir.lookups != 0 {
		t.Errorf("incomplete payload must fail terminally: success=%v details=%v lookups=%d",
			res.Success, res.Details, dir.lookups)
	}
}

func TestExpiredToken(t *testing.T) {
	v, signer := testValidator(testDirectory())
	// Expired one minute before now.
	raw := signedToken(signer, "CS101",
		testNow.Add(-6*time.Minute).UnixMilli(),
		testNow.Add(-time.Minute).UnixMilli())

	res := v.Validate(raw, nearClassroom(), nil)
	if res.Success {
		t.Fatal("expired token accepted")
	}
	if res.Details == nil || res.Details.TimeValid {
		t.Error("timeValid must be false for expired token")
	}
	if !strings.Contains(res.Message, "expired") {
		t.Errorf("message should mention expiry: %q", res.Message)
	}
	if !strings.Contains(res.Message, "1 minute") {
		t.Errorf("message should report how long ago it expired: %q", res.Message)
	}
}

func TestNotYetValidToken(t *testing.T) {
	v, signer := testValidator(testDirectory())
	raw := signedToken(signer, "CS101",
		testNow.Add(time.Minute).UnixMilli(),
		testNow.Add(6*time.Minute).UnixMilli())

	res := v.Validate(raw, nearClassroom(), nil)
	if res.Success {
		t.Fatal("future token accepted")
	}
	if !strings.Contains(res.Message, "not valid yet") {
		t.Errorf("message should distinguish not-yet-valid: %q", res.Message)
	}
}

func TestTimeWindowBoundariesInclusive(t *testing.T) {
	v, signer := testValidator(testDirectory())

	atIssue := signedToken(signer, "CS101", testNow.UnixMilli(), testNow.Add(5*time.Minute).UnixMilli())
	if res := v.Validate(atIssue, nil, nil); !res.Success {
		t.Errorf("now == issuedAt must be valid: %s", res.Message)
	}

	atExpiry := signedToken(signer, "CS101", testNow.Add(-5*time.Minute).UnixMilli(), testNow.UnixMilli())
	if res := v.Validate(atExpiry, nil, nil); !res.Success {
		t.Errorf("now == expiresAt must be valid: %s", res.Message)
	}
}

func TestTamperedCourseID(t *testing.T) {
	v, signer := testValidator(testDirectory())

	// Sign for one course, then claim another.
	issued := testNow.UnixMilli()
	expires := testNow.Add(5 * time.Minute).UnixMilli()
	tok := token.Token{
		Type: token.TypeAttendance, CourseID: "HIST20", SessionID: "sess-1",
		IssuedAt: issued, ExpiresAt: expires,
		Signature: signer.Sign("CS101", issued, expires),
	}
	raw, _ := tok.Encode()

	res := v.Validate(raw, nearClassroom(), nil)
	if res.Success {
		t.Fatal("tampered token accepted")
	}
	if res.Details == nil || !res.Details.TimeValid || res.Details.SignatureValid {
		t.Errorf("details = %+v, want timeValid and signature failure", res.Details)
	}
	if !strings.Contains(res.Message, "tampered") {
		t.Errorf("message should warn about tampering: %q", res.Message)
	}
}

func TestUnknownCourse(t *testing.T) {
	v, signer := testValidator(testDirectory())
	res := v.Validate(freshToken(signer, "BIO999"), nearClassroom(), nil)

	if res.Success {
		t.Fatal("unknown course accepted")
	}
	if res.Details == nil || !res.Details.SignatureValid || res.Details.CourseFound {
		t.Errorf("details = %+v, want signature pass and course failure", res.Details)
	}
	if !strings.Contains(res.Message, "instructor") {
		t.Errorf("message should direct the user to the instructor: %q", res.Message)
	}
}

func TestGeofenceFarAway(t *testing.T) {
	v, signer := testValidator(testDirectory())
	pos := &Position{Latitude: classLat + 500*degPerMeterLat, Longitude: classLon}

	res := v.Validate(freshToken(signer, "CS101"), pos, nil)
	if res.Success {
		t.Fatal("far-away device accepted")
	}
	if res.Details == nil || res.Details.LocationValid || res.Details.LocationSkipped {
		t.Errorf("details = %+v, want location failure, not skipped", res.Details)
	}
	if !strings.Contains(res.Message, "500m") || !strings.Contains(res.Message, "100 meters") {
		t.Errorf("message should report distance and limit: %q", res.Message)
	}
}

func TestGeofenceBoundaryInclusive(t *testing.T) {
	v, signer := testValidator(testDirectory())

	// Just inside the boundary.
	inside := &Position{Latitude: classLat + 99.9*degPerMeterLat, Longitude: classLon}
	if res := v.Validate(freshToken(signer, "CS101"), inside, nil); !res.Success {
		t.Errorf("99.9m should pass: %s", res.Message)
	}

	// Just outside.
	outside := &Position{Latitude: classLat + 100.5*degPerMeterLat, Longitude: classLon}
	if res := v.Validate(freshToken(signer, "CS101"), outside, nil); res.Success {
		t.Error("100.5m should fail")
	}
}

func TestLocationSkippedWhenNoFix(t *testing.T) {
	v, signer := testValidator(testDirectory())
	res := v.Validate(freshToken(signer, "CS101"), nil, nil)

	if !res.Success {
		t.Fatalf("no-fix scan should still succeed: %s", res.Message)
	}
	if res.Details == nil || !res.Details.LocationValid || !res.Details.LocationSkipped {
		t.Errorf("details = %+v, want locationValid and locationSkipped", res.Details)
	}
	if !strings.Contains(res.Message, "Location could not be verified") {
		t.Errorf("success message should note the skipped check: %q", res.Message)
	}
}

func TestLocationSkippedWhenCourseHasNoCoordinates(t *testing.T) {
	v, signer := testValidator(testDirectory())
	res := v.Validate(freshToken(signer, "HIST20"), nearClassroom(), nil)

	if !res.Success {
		t.Fatalf("course without coordinates should skip geofence: %s", res.Message)
	}
	if !res.Details.LocationSkipped {
		t.Error("locationSkipped should be set")
	}
}

func TestLocationSkippedOnSubsystemError(t *testing.T) {
	v, signer := testValidator(testDirectory())
	res := v.Validate(freshToken(signer, "CS101"), nearClassroom(), errors.New("permission denied"))

	if !res.Success {
		t.Fatalf("location-subsystem failure must not be fatal: %s", res.Message)
	}
	if !res.Details.LocationSkipped {
		t.Error("locationSkipped should be set when the subsystem failed")
	}
}

func TestDirectoryErrorFailsCourseStage(t *testing.T) {
	dir := &failingDirectory{}
	signer := token.NewSigner("test-secret")
	v := New(signer, dir)
	v.now = func() time.Time { return testNow }

	res := v.Validate(freshToken(signer, "CS101"), nil, nil)
	if res.Success || res.Details.CourseFound {
		t.Errorf("directory error must fail the course stage: %+v", res)
	}
}

type failingDirectory struct{}

func (failingDirectory) Course(string) (*Course, error) {
	return nil, errors.New("cache unavailable")
}
