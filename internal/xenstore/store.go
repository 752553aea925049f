package xenstore

import (
	"strings"
)

// Store is the synchronous half of the configuration store.
//
// Implementations are not required to be safe for concurrent use unless
// documented otherwise.
type Store interface {
	// Read returns the value stored at path, or ErrNotFound.
	Read(path string) (string, error)

	// Write stores value at path, creating missing parent nodes.
	Write(path, value string) error

	// Directory lists the immediate child names of path, or ErrNotFound
	// when path does not exist.
	Directory(path string) ([]string, error)

	// DomainPath returns the home path of a domain (e.g. /local/domain/3).
	DomainPath(domid int) (string, error)
}

// Watcher is the watch half of the configuration store.
type Watcher interface {
	// Watch subscribes to changes at or below path. Events carry token.
	Watch(path, token string) error

	// Unwatch removes a subscription registered with the same path and token.
	// Events already queued for it may still be delivered.
	Unwatch(path, token string) error

	// ReadWatch returns the next queued event. It blocks when none is queued.
	ReadWatch() (WatchEvent, error)

	// Pending reports whether ReadWatch would return without blocking.
	Pending() bool

	// Fd returns a descriptor that is readable while events are queued,
	// or -1 when the implementation has no such descriptor.
	Fd() int
}

// WatchEvent is one watch notification: the absolute path that changed and
// the token the watch was registered with.
type WatchEvent struct {
	Path  string
	Token string
}

// Join appends path elements to an absolute base path.
//
// Empty elements are skipped; no cleaning of ".." is performed since store
// paths never contain it.
func Join(base string, elems ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(e)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Under reports whether p is base itself or lies below it.
func Under(p, base string) bool {
	if p == base {
		return true
	}
	return strings.HasPrefix(p, base) && len(p) > len(base) && p[len(base)] == '/'
}

// Relative returns the part of p below base without the leading slash.
//
// The second result is false when p is not strictly below base, which
// includes p == base.
func Relative(base, p string) (string, bool) {
	if !strings.HasPrefix(p, base) || len(p) <= len(base)+1 || p[len(base)] != '/' {
		return "", false
	}
	return p[len(base)+1:], true
}

func validPath(p string) bool {
	return p != "" && p[0] == '/'
}
