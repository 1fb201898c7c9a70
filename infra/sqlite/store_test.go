package sqlite

import (
	"path/filepath"
	"reflect"
	"testing"

	"rosrelay/relay"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "relays.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadBeforeFirstWrite(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	descs, ok, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if ok || descs != nil {
		t.Errorf("Read() = %v, %v on first run, want nil, false", descs, ok)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	want := []relay.Descriptor{
		{Topic: "/a", MsgType: "std_msgs/String", Mode: relay.ModeToCloud},
		{Topic: "/b", MsgType: "sensor_msgs/Imu", Mode: relay.ModeToLocal},
		{Topic: "/c", MsgType: "nav_msgs/Odometry", Mode: relay.ModeBidirectional},
	}
	if err := s.Write(want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, ok, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !ok {
		t.Fatal("Read() ok = false after a write")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Read() = %v, want %v", got, want)
	}
}

func TestWriteReplacesSequence(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.Write([]relay.Descriptor{
		{Topic: "/old", MsgType: "std_msgs/String", Mode: relay.ModeToCloud},
	}); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}

	want := []relay.Descriptor{
		{Topic: "/new", MsgType: "std_msgs/String", Mode: relay.ModeBidirectional},
	}
	if err := s.Write(want); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	got, _, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Read() = %v, want %v (old sequence replaced)", got, want)
	}
}

func TestReopenPreservesState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relays.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	want := []relay.Descriptor{
		{Topic: "/survives", MsgType: "std_msgs/String", Mode: relay.ModeToLocal},
	}
	if err := s.Write(want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Read()
	if err != nil || !ok {
		t.Fatalf("Read() after reopen = %v, %v, %v", got, ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Read() after reopen = %v, want %v", got, want)
	}
}
