//go:build !(linux && (amd64 || arm64))

package hypervisor

// Open always fails on this platform.
func Open(_ Paths) (Control, error) {
	return nil, ErrUnsupported
}
