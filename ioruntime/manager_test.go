package ioruntime

import (
	"os"
	"testing"
	"time"

	"github.com/Mythra/Span/fiber"
)

func TestRegisterEventWakesOnReadiness(t *testing.T) {
	m, err := New(2, false, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer w.Close()
	defer r.Close()

	done := make(chan struct{})
	m.ScheduleFunc(func() {
		if err := m.RegisterEvent(int(r.Fd()), EventRead, nil); err != nil {
			t.Errorf("RegisterEvent: %v", err)
			close(done)
			return
		}
		if err := fiber.Yield(); err != nil {
			t.Errorf("unexpected inject: %v", err)
		}
		buf := make([]byte, 1)
		if _, err := r.Read(buf); err != nil {
			t.Errorf("Read: %v", err)
		}
		close(done)
	}, 0)

	time.Sleep(20 * time.Millisecond)
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for readiness to wake the registered fiber")
	}
}

func TestCancelEventFiresImmediately(t *testing.T) {
	m, err := New(2, false, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer w.Close()
	defer r.Close()

	done := make(chan struct{})
	m.ScheduleFunc(func() {
		if err := m.RegisterEvent(int(r.Fd()), EventRead, nil); err != nil {
			t.Errorf("RegisterEvent: %v", err)
			close(done)
			return
		}
		_ = fiber.Yield()
		close(done)
	}, 0)

	time.Sleep(20 * time.Millisecond)
	if ok := m.CancelEvent(int(r.Fd()), EventRead); !ok {
		t.Fatal("expected CancelEvent to find the registration")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for CancelEvent to wake the registered fiber")
	}
}

func TestUnregisterEventWithoutRegistrationReturnsFalse(t *testing.T) {
	m, err := New(1, false, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer w.Close()
	defer r.Close()

	if m.UnregisterEvent(int(r.Fd()), EventWrite) {
		t.Fatal("expected UnregisterEvent to return false for an fd with no registration")
	}
}

func TestStoppingTrueForFreshUnstartedManager(t *testing.T) {
	m, err := New(1, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.p.close()

	if !m.Stopping() {
		t.Fatal("expected a freshly constructed, unstarted Manager with no work to report Stopping")
	}
}
