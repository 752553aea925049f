package console

import (
	"encoding/binary"
	"errors"
)

// xencons_interface layout.
const (
	inRingSize  = 1024
	outRingSize = 2048

	outRingOffset = inRingSize

	inConsOffset  = 3072
	inProdOffset  = 3076
	outConsOffset = 3080
	outProdOffset = 3084

	// interfaceSize is the smallest page that holds the interface.
	interfaceSize = outProdOffset + 4
)

// ErrRingCorrupt is returned when the producer index is further ahead of
// the consumer index than the ring can hold.
var ErrRingCorrupt = errors.New("console: ring indexes corrupt")

// drainOut consumes everything the guest produced in the out ring and
// publishes the new consumer index.
//
// A corrupt ring is resynchronised by skipping to the producer index.
func drainOut(page []byte) ([]byte, error) {
	if len(page) < interfaceSize {
		return nil, ErrRingCorrupt
	}

	cons := binary.LittleEndian.Uint32(page[outConsOffset:])
	prod := binary.LittleEndian.Uint32(page[outProdOffset:])

	pending := prod - cons
	if pending > outRingSize {
		binary.LittleEndian.PutUint32(page[outConsOffset:], prod)
		return nil, ErrRingCorrupt
	}

	out := make([]byte, 0, pending)
	for ; cons != prod; cons++ {
		out = append(out, page[outRingOffset+cons%outRingSize])
	}
	binary.LittleEndian.PutUint32(page[outConsOffset:], cons)
	return out, nil
}
