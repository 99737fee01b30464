package sim

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewSeed draws a run seed from the OS entropy pool. Used when the config
// leaves rng_seed unset; the drawn seed is logged and persisted so any run
// can be replayed deterministically afterwards.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}

	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
