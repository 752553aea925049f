package xenstore

import (
	"errors"
	"reflect"
	"testing"
)

func TestMemStore_WriteCreatesParents(t *testing.T) {
	m := NewMemStore()

	if err := m.Write("/local/domain/0/backend/vkbd/1/0/state", "1"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	names, err := m.Directory("/local/domain/0/backend/vkbd/1")
	if err != nil {
		t.Fatalf("Directory() error = %v", err)
	}
	if !reflect.DeepEqual(names, []string{"0"}) {
		t.Errorf("Directory() = %v, want [0]", names)
	}
}

func TestMemStore_ReadMissing(t *testing.T) {
	m := NewMemStore()

	if _, err := m.Read("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}
	if _, err := m.Directory("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Directory() error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_WatchFiresOnRegister(t *testing.T) {
	m := NewMemStore()

	if err := m.Watch("/a", "t1"); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	ev, err := m.ReadWatch()
	if err != nil {
		t.Fatalf("ReadWatch() error = %v", err)
	}
	if ev != (WatchEvent{Path: "/a", Token: "t1"}) {
		t.Errorf("ReadWatch() = %+v", ev)
	}
	if m.Pending() {
		t.Error("Pending() = true, want false")
	}
}

func TestMemStore_WatchScope(t *testing.T) {
	m := NewMemStore()
	m.Watch("/a/b", "tok") //nolint:errcheck // Test setup
	m.DropEvents()

	m.Write("/a/b/c", "1")  //nolint:errcheck // Test setup
	m.Write("/a/bc", "1")   //nolint:errcheck // Sibling with shared prefix
	m.Write("/a/other", "") //nolint:errcheck // Unrelated

	var got []WatchEvent
	for m.Pending() {
		ev, _ := m.ReadWatch()
		got = append(got, ev)
	}
	want := []WatchEvent{{Path: "/a/b/c", Token: "tok"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
}

func TestMemStore_RemoveNotifiesDescendantWatch(t *testing.T) {
	m := NewMemStore()
	m.Write("/a/b/c", "x")    //nolint:errcheck // Test setup
	m.Watch("/a/b/c", "deep") //nolint:errcheck // Test setup
	m.DropEvents()

	if err := m.Remove("/a/b"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	ev, err := m.ReadWatch()
	if err != nil {
		t.Fatalf("ReadWatch() error = %v", err)
	}
	if ev.Path != "/a/b/c" || ev.Token != "deep" {
		t.Errorf("ReadWatch() = %+v", ev)
	}
	if _, err := m.Read("/a/b/c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_Unwatch(t *testing.T) {
	m := NewMemStore()
	m.Watch("/a", "tok") //nolint:errcheck // Test setup

	if !m.Watching("/a", "tok") {
		t.Fatal("Watching() = false after Watch")
	}
	if err := m.Unwatch("/a", "tok"); err != nil {
		t.Fatalf("Unwatch() error = %v", err)
	}
	if m.WatchCount() != 0 {
		t.Errorf("WatchCount() = %d, want 0", m.WatchCount())
	}
	if err := m.Unwatch("/a", "tok"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unwatch() error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_WatchErr(t *testing.T) {
	m := NewMemStore()
	m.WatchErr = errors.New("denied")

	if err := m.Watch("/a", "tok"); err == nil {
		t.Error("Watch() expected error")
	}
	if m.WatchCount() != 0 {
		t.Errorf("WatchCount() = %d, want 0", m.WatchCount())
	}
}

func TestPathHelpers(t *testing.T) {
	if got := Join("/local/domain/0", "backend", "vkbd", "1"); got != "/local/domain/0/backend/vkbd/1" {
		t.Errorf("Join() = %q", got)
	}
	if got := Join("/a/", "/b/", ""); got != "/a/b" {
		t.Errorf("Join() = %q", got)
	}

	tests := []struct {
		base, p string
		under   bool
		rel     string
		relOK   bool
	}{
		{base: "/a", p: "/a", under: true, rel: "", relOK: false},
		{base: "/a", p: "/a/b", under: true, rel: "b", relOK: true},
		{base: "/a", p: "/a/b/c", under: true, rel: "b/c", relOK: true},
		{base: "/a", p: "/ab", under: false, rel: "", relOK: false},
		{base: "/a/b", p: "/a", under: false, rel: "", relOK: false},
	}
	for _, tt := range tests {
		if got := Under(tt.p, tt.base); got != tt.under {
			t.Errorf("Under(%q, %q) = %v, want %v", tt.p, tt.base, got, tt.under)
		}
		rel, ok := Relative(tt.base, tt.p)
		if rel != tt.rel || ok != tt.relOK {
			t.Errorf("Relative(%q, %q) = %q, %v, want %q, %v", tt.base, tt.p, rel, ok, tt.rel, tt.relOK)
		}
	}
}
