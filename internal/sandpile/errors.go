package sandpile

import "errors"

// Sentinel errors for lattice and relaxation failures. All three are
// terminal: callers abort the run and propagate the error. None of them is
// retried, clamped, or partially applied.
var (
	// ErrInvalidConfiguration reports an unusable simulation parameter,
	// such as a non-positive grid size or a negative iteration count.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrOutOfBounds reports a coordinate outside [0,size) on either axis.
	ErrOutOfBounds = errors.New("coordinate out of bounds")

	// ErrRelaxationDiverged reports a cascade that exceeded its topple
	// budget. The budget is generous; on a dissipative lattice every
	// cascade terminates, so hitting it indicates an engine bug rather
	// than a long avalanche.
	ErrRelaxationDiverged = errors.New("relaxation diverged")
)
