package backend

import "strconv"

// tokenPrefix marks watch tokens owned by this package.
const tokenPrefix = "xenbackend:"

type tokenKind int

const (
	tokenBackend tokenKind = iota
	tokenDevice
)

// tokenEntry is what a watch token resolves to.
type tokenEntry struct {
	kind    tokenKind
	backend *Backend
	dev     *device
}

// tokenRegistry maps watch tokens to live backends and devices.
//
// Serials are never reused, so a token that outlives its owner can only
// miss; it can never resolve to a newer object.
type tokenRegistry struct {
	next    uint64
	entries map[string]tokenEntry
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{entries: make(map[string]tokenEntry)}
}

func (r *tokenRegistry) addBackend(b *Backend) string {
	r.next++
	tok := tokenPrefix + "b" + strconv.FormatUint(r.next, 10)
	r.entries[tok] = tokenEntry{kind: tokenBackend, backend: b}
	return tok
}

func (r *tokenRegistry) addDevice(d *device) string {
	r.next++
	tok := tokenPrefix + "d" + strconv.FormatUint(r.next, 10)
	r.entries[tok] = tokenEntry{kind: tokenDevice, backend: d.backend, dev: d}
	return tok
}

func (r *tokenRegistry) lookup(tok string) (tokenEntry, bool) {
	e, ok := r.entries[tok]
	return e, ok
}

func (r *tokenRegistry) remove(tok string) {
	delete(r.entries, tok)
}

// serial returns the allocation serial used as a device generation.
func (r *tokenRegistry) serial() uint64 {
	return r.next
}

func (r *tokenRegistry) size() int {
	return len(r.entries)
}
