package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkin/internal/token"
	"checkin/internal/validate"
)

type stubLocator struct {
	calls []Accuracy
	fn    func(acc Accuracy) (validate.Position, error)
}

func (l *stubLocator) Current(_ context.Context, acc Accuracy) (validate.Position, error) {
	l.calls = append(l.calls, acc)
	return l.fn(acc)
}

type recordingHaptics struct {
	events []string
}

func (h *recordingHaptics) Warning() { h.events = append(h.events, "warning") }
func (h *recordingHaptics) Success() { h.events = append(h.events, "success") }
func (h *recordingHaptics) Error()   { h.events = append(h.events, "error") }

type stubStore struct {
	existing map[string]bool
	inserted []Record
	insertFn func(rec Record) error
}

func (s *stubStore) Exists(_ context.Context, sessionID, studentID string) (bool, error) {
	return s.existing[sessionID+"/"+studentID], nil
}

func (s *stubStore) Insert(_ context.Context, rec Record) error {
	if s.insertFn != nil {
		if err := s.insertFn(rec); err != nil {
			return err
		}
	}
	s.inserted = append(s.inserted, rec)
	return nil
}

type stubNav struct {
	backs int
}

func (n *stubNav) Back() { n.backs++ }

type mapDirectory map[string]*validate.Course

func (d mapDirectory) Course(id string) (*validate.Course, error) {
	return d[id], nil
}

var signer = token.NewSigner("scan-test-secret")

func validRaw(t *testing.T) string {
	t.Helper()
	tok := token.NewGenerator(signer, 5*time.Minute).Generate("CS101", "sess-1", nil)
	raw, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func newTestController(store AttendanceWriter, loc Geolocator, h Haptics, nav Navigator) *Controller {
	dir := mapDirectory{"CS101": {ID: "CS101", Name: "Intro to Computer Science"}}
	c := New("student-7", validate.New(signer, dir), loc, h, store, nav)
	c.backoff = time.Millisecond
	c.display = time.Millisecond
	return c
}

func TestHappyScanWritesRecordAndNavigates(t *testing.T) {
	store := &stubStore{}
	h := &recordingHaptics{}
	nav := &stubNav{}
	loc := &stubLocator{fn: func(Accuracy) (validate.Position, error) {
		return validate.Position{Latitude: 12.97, Longitude: 77.59}, nil
	}}
	c := newTestController(store, loc, h, nav)

	c.AcquireLocation(context.Background())
	if !c.Arm() {
		t.Fatal("arm failed from idle")
	}

	res, err := c.HandleScan(context.Background(), validRaw(t))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !res.Success {
		t.Fatalf("scan failed: %s", res.Message)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(store.inserted))
	}
	rec := store.inserted[0]
	if rec.SessionID != "sess-1" || rec.StudentID != "student-7" || rec.Method != "qr" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Latitude == nil || *rec.Latitude != 12.97 {
		t.Error("captured location missing from record")
	}
	if nav.backs != 1 {
		t.Errorf("navigated %d times, want 1", nav.backs)
	}
	if len(h.events) != 2 || h.events[0] != "warning" || h.events[1] != "success" {
		t.Errorf("haptics = %v, want [warning success]", h.events)
	}
	if c.State() != StateDone {
		t.Errorf("state = %s, want done", c.State())
	}
}

func TestOnlyFirstScanProcessed(t *testing.T) {
	store := &stubStore{}
	c := newTestController(store, &stubLocator{fn: failFix}, &recordingHaptics{}, nil)
	c.AcquireLocation(context.Background())
	c.Arm()

	if _, err := c.HandleScan(context.Background(), validRaw(t)); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if _, err := c.HandleScan(context.Background(), validRaw(t)); err == nil {
		t.Fatal("second scan should be dropped while not scanning")
	}
	if len(store.inserted) != 1 {
		t.Errorf("inserted %d records, want 1", len(store.inserted))
	}
}

func TestResetRearmsAfterFailure(t *testing.T) {
	h := &recordingHaptics{}
	c := newTestController(&stubStore{}, &stubLocator{fn: failFix}, h, nil)
	c.AcquireLocation(context.Background())
	c.Arm()

	res, err := c.HandleScan(context.Background(), "garbage")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Success {
		t.Fatal("garbage accepted")
	}
	if h.events[len(h.events)-1] != "error" {
		t.Errorf("haptics = %v, want trailing error", h.events)
	}

	// The latch never re-arms on its own.
	if _, err := c.HandleScan(context.Background(), validRaw(t)); err == nil {
		t.Fatal("re-scan without reset should be dropped")
	}

	c.Reset()
	if res, err := c.HandleScan(context.Background(), validRaw(t)); err != nil || !res.Success {
		t.Fatalf("scan after reset: err=%v success=%v", err, res.Success)
	}
}

func TestDuplicateCheckInSurfacedDistinctly(t *testing.T) {
	store := &stubStore{existing: map[string]bool{"sess-1/student-7": true}}
	c := newTestController(store, &stubLocator{fn: failFix}, &recordingHaptics{}, nil)
	c.AcquireLocation(context.Background())
	c.Arm()

	res, err := c.HandleScan(context.Background(), validRaw(t))
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Fatalf("want ErrAlreadyCheckedIn, got %v", err)
	}
	// The token itself validated; only the write was refused.
	if !res.Success {
		t.Error("validation result should still be a success")
	}
	if len(store.inserted) != 0 {
		t.Error("no record should be written for a duplicate")
	}
}

func TestStoreWriteFailureSurfaced(t *testing.T) {
	store := &stubStore{insertFn: func(Record) error { return errors.New("network down") }}
	c := newTestController(store, &stubLocator{fn: failFix}, &recordingHaptics{}, nil)
	c.AcquireLocation(context.Background())
	c.Arm()

	res, err := c.HandleScan(context.Background(), validRaw(t))
	if err == nil {
		t.Fatal("store failure should surface as an error")
	}
	if !res.Success {
		t.Error("validation result should still be a success")
	}
}

func TestLocationLadderWalksAccuracyLevels(t *testing.T) {
	loc := &stubLocator{fn: failFix}
	c := newTestController(&stubStore{}, loc, &recordingHaptics{}, nil)

	c.AcquireLocation(context.Background())

	want := []Accuracy{AccuracyHigh, AccuracyBalanced, AccuracyLow, AccuracyLowest}
	if len(loc.calls) != len(want) {
		t.Fatalf("ladder made %d attempts, want %d", len(loc.calls), len(want))
	}
	for i, acc := range want {
		if loc.calls[i] != acc {
			t.Errorf("attempt %d used accuracy %d, want %d", i, loc.calls[i], acc)
		}
	}
}

func TestLocationLadderStopsOnFirstFix(t *testing.T) {
	loc := &stubLocator{fn: func(acc Accuracy) (validate.Position, error) {
		if acc == AccuracyBalanced {
			return validate.Position{Latitude: 1, Longitude: 2}, nil
		}
		return validate.Position{}, errors.New("timeout")
	}}
	c := newTestController(&stubStore{}, loc, &recordingHaptics{}, nil)

	c.AcquireLocation(context.Background())
	if len(loc.calls) != 2 {
		t.Errorf("ladder made %d attempts, want 2", len(loc.calls))
	}
	if c.pos == nil || c.pos.Latitude != 1 {
		t.Error("fix not recorded")
	}
}

func TestLocationLadderCancellable(t *testing.T) {
	loc := &stubLocator{fn: failFix}
	c := newTestController(&stubStore{}, loc, &recordingHaptics{}, nil)
	c.backoff = time.Hour // cancellation must cut the backoff short

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.AcquireLocation(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ladder did not stop on context cancellation")
	}
}

func TestScanWithoutFixSkipsGeofence(t *testing.T) {
	c := newTestController(&stubStore{}, &stubLocator{fn: failFix}, &recordingHaptics{}, nil)
	c.AcquireLocation(context.Background())
	c.Arm()

	res, err := c.HandleScan(context.Background(), validRaw(t))
	if err != nil || !res.Success {
		t.Fatalf("scan without fix: err=%v success=%v msg=%s", err, res.Success, res.Message)
	}
	if res.Details == nil || !res.Details.LocationSkipped {
		t.Errorf("details = %+v, want locationSkipped", res.Details)
	}
}

func failFix(Accuracy) (validate.Position, error) {
	return validate.Position{}, errors.New("position unavailable")
}
