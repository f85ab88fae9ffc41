package fiber

import (
	"errors"
	"testing"
)

func TestFiberCallYieldTerm(t *testing.T) {
	var ran []string
	f := New(func(self *Fiber) error {
		ran = append(ran, "start")
		if err := self.Yield(); err != nil {
			return err
		}
		ran = append(ran, "resumed")
		return nil
	})

	if got := f.State(); got != StateInit {
		t.Fatalf("expected INIT, got %s", got)
	}

	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.State(); got != StateHodl {
		t.Fatalf("expected HODL after yield, got %s", got)
	}
	if len(ran) != 1 || ran[0] != "start" {
		t.Fatalf("unexpected trace: %v", ran)
	}

	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.State(); got != StateTerm {
		t.Fatalf("expected TERM, got %s", got)
	}
	if len(ran) != 2 || ran[1] != "resumed" {
		t.Fatalf("unexpected trace: %v", ran)
	}
}

func TestFiberExceptPropagation(t *testing.T) {
	boom := errors.New("boom")
	f := New(func(self *Fiber) error {
		return boom
	})

	err := f.Call()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := f.State(); got != StateExcept {
		t.Fatalf("expected EXCEPT, got %s", got)
	}
	if !errors.Is(f.Failure(), boom) {
		t.Fatalf("expected failure to be retained, got %v", f.Failure())
	}
}

func TestFiberPanicIsCapturedNotCrashed(t *testing.T) {
	f := New(func(self *Fiber) error {
		panic("kaboom")
	})
	err := f.Call()
	if err == nil {
		t.Fatal("expected an error from recovered panic")
	}
	if got := f.State(); got != StateExcept {
		t.Fatalf("expected EXCEPT, got %s", got)
	}
}

func TestFiberInject(t *testing.T) {
	var gotErr error
	injected := errors.New("injected")
	f := New(func(self *Fiber) error {
		gotErr = self.Yield()
		return nil
	})

	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Inject(injected); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(gotErr, injected) {
		t.Fatalf("expected injected error observed inside fiber, got %v", gotErr)
	}
}

func TestFiberResetAfterTerm(t *testing.T) {
	f := New(func(self *Fiber) error { return nil })
	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.State(); got != StateTerm {
		t.Fatalf("expected TERM, got %s", got)
	}

	var ranAgain bool
	if err := f.Reset(func(self *Fiber) error {
		ranAgain = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	if got := f.State(); got != StateInit {
		t.Fatalf("expected INIT after reset, got %s", got)
	}
	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ranAgain {
		t.Fatal("expected the new entry function to have run")
	}
}

func TestFiberResetRejectsRunning(t *testing.T) {
	f := New(func(self *Fiber) error {
		return self.Yield()
	})
	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.State(); got != StateHodl {
		t.Fatalf("expected HODL, got %s", got)
	}
	if err := f.Reset(func(self *Fiber) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestFiberLocalStorage(t *testing.T) {
	key := AllocFLS()
	defer FreeFLS(key)

	done := make(chan any, 1)
	f := New(func(self *Fiber) error {
		self.SetFLS(key, 42)
		done <- self.GetFLS(key)
		return nil
	})
	if err := f.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := <-done; got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
	// a different fiber never setting the key observes nil.
	f2 := New(func(self *Fiber) error {
		done <- self.GetFLS(key)
		return nil
	})
	if err := f2.Call(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := <-done; got != nil {
		t.Fatalf("expected nil for unset slot, got %v", got)
	}
}

func TestGetThisThreadEntry(t *testing.T) {
	anchor := GetThis()
	if !anchor.IsThreadEntry() {
		t.Fatal("expected a thread-entry fiber for the test goroutine")
	}
	if got := anchor.State(); got != StateExec {
		t.Fatalf("expected EXEC, got %s", got)
	}
	again := GetThis()
	if again != anchor {
		t.Fatal("expected the same thread-entry fiber to be returned")
	}
}
