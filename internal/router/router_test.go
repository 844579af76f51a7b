package router

import (
	"sync"
	"sync/atomic"
	"testing"
)

func noop(topic string, payload []byte) {}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"simple topic", "devices/light1/cmd", false},
		{"single-level wildcard", "devices/+/cmd", false},
		{"multi-level wildcard", "meta/request/#", false},
		{"bare multi-level wildcard", "#", false},
		{"invalid multi-level placement", "devices/#/cmd", true},
		{"invalid single-level wildcard", "devices/+light/cmd", true},
		{"empty pattern", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			err := r.Register(tt.pattern, noop)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestRegisterNilHandler(t *testing.T) {
	r := New(nil)
	if err := r.Register("devices/+/cmd", nil); err == nil {
		t.Error("Register() with nil handler should fail")
	}
}

func TestDispatchMatching(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		matched bool
	}{
		{"exact match", "devices/light1/cmd", "devices/light1/cmd", true},
		{"exact mismatch", "devices/light1/cmd", "devices/light2/cmd", false},
		{"single-level wildcard match", "devices/+/cmd", "devices/light1/cmd", true},
		{"single-level wildcard depth mismatch", "devices/+/cmd", "devices/light1/group1/cmd", false},
		{"multi-level wildcard single segment", "meta/request/#", "meta/request/info", true},
		{"multi-level wildcard deep", "meta/request/#", "meta/request/x/y", true},
		{"multi-level wildcard prefix mismatch", "meta/request/#", "meta/info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)

			var calls int32
			err := r.Register(tt.pattern, func(topic string, payload []byte) {
				atomic.AddInt32(&calls, 1)
			})
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			n := r.Dispatch(tt.topic, nil)
			if tt.matched && (n != 1 || calls != 1) {
				t.Errorf("Dispatch(%q) matched %d handlers, want 1", tt.topic, n)
			}
			if !tt.matched && (n != 0 || calls != 0) {
				t.Errorf("Dispatch(%q) matched %d handlers, want 0", tt.topic, n)
			}
		})
	}
}

func TestDispatchMultipleMatches(t *testing.T) {
	r := New(nil)

	var got []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(topic string, payload []byte) {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
		}
	}

	if err := r.Register("devices/+/cmd", record("wildcard")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("devices/light1/cmd", record("exact")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("devices/#", record("multi")); err != nil {
		t.Fatal(err)
	}

	n := r.Dispatch("devices/light1/cmd", []byte(`{}`))
	if n != 3 {
		t.Errorf("Dispatch() = %d handlers, want 3", n)
	}
	if len(got) != 3 {
		t.Errorf("got %d handler invocations, want 3", len(got))
	}
}

func TestUnregister(t *testing.T) {
	r := New(nil)

	if err := r.Register("devices/+/cmd", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("devices/+/get", noop); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister("devices/+/cmd"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}

	if n := r.Dispatch("devices/light1/cmd", nil); n != 0 {
		t.Errorf("Dispatch() after Unregister = %d handlers, want 0", n)
	}
	if n := r.Dispatch("devices/light1/get", nil); n != 1 {
		t.Errorf("Dispatch() on remaining pattern = %d handlers, want 1", n)
	}

	if err := r.Unregister("devices/never/registered"); err == nil {
		t.Error("Unregister() of unknown pattern should fail")
	}
}

func TestPatterns(t *testing.T) {
	r := New(nil)

	want := []string{"devices/+/cmd", "devices/+/get", "meta/request/#"}
	for _, p := range want {
		if err := r.Register(p, noop); err != nil {
			t.Fatal(err)
		}
	}

	got := r.Patterns()
	if len(got) != len(want) {
		t.Fatalf("Patterns() returned %d patterns, want %d", len(got), len(want))
	}
	set := make(map[string]struct{})
	for _, p := range got {
		set[p] = struct{}{}
	}
	for _, p := range want {
		if _, ok := set[p]; !ok {
			t.Errorf("Patterns() missing %q", p)
		}
	}
}

func TestDispatchConcurrent(t *testing.T) {
	r := New(nil)

	var calls int32
	if err := r.Register("devices/+/cmd", func(topic string, payload []byte) {
		atomic.AddInt32(&calls, 1)
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Dispatch("devices/light1/cmd", nil)
			}
		}()
	}
	wg.Wait()

	if calls != 1000 {
		t.Errorf("handler called %d times, want 1000", calls)
	}
}
