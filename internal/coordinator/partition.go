package coordinator

import (
	"fmt"
)

// KRange is a half-open range [Down, Up) of cluster counts.
type KRange struct {
	Down int
	Up   int
}

// Len returns the number of K values in the range.
func (r KRange) Len() int {
	if r.Up <= r.Down {
		return 0
	}
	return r.Up - r.Down
}

func (r KRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Down, r.Up)
}

// PartitionWork splits [kDown, kUp) into workerCount contiguous chunks of
// (kUp-kDown)/workerCount values each, starting at kDown.
//
// The remainder of the integer division is not assigned to any chunk, so
// the last (kUp-kDown)%workerCount values of the range are never evaluated.
// With fewer K values than workers every chunk is empty.
//
// Example:
//
//	PartitionWork(0, 10, 3) // [0, 3) [3, 6) [6, 9); K=9 is not dispatched
func PartitionWork(kDown, kUp, workerCount int) ([]KRange, error) {
	if workerCount < 1 {
		return nil, fmt.Errorf("%w: worker count %d", ErrInvalidInput, workerCount)
	}
	if kDown > kUp {
		return nil, fmt.Errorf("%w: kDown %d > kUp %d", ErrInvalidInput, kDown, kUp)
	}

	chunk := (kUp - kDown) / workerCount
	ranges := make([]KRange, workerCount)
	k := kDown
	for i := range ranges {
		ranges[i] = KRange{Down: k, Up: k + chunk}
		k += chunk
	}
	return ranges, nil
}

// Undispatched returns the K values of [kDown, kUp) that PartitionWork
// leaves out for workerCount workers.
func Undispatched(kDown, kUp, workerCount int) KRange {
	if workerCount < 1 || kDown > kUp {
		return KRange{}
	}
	chunk := (kUp - kDown) / workerCount
	return KRange{Down: kDown + chunk*workerCount, Up: kUp}
}
