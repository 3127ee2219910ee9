package kmeans

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// span is the half-open index range [lo, hi) owned by one goroutine.
type span struct {
	lo, hi int
}

// split cuts [0, n) into at most parts contiguous spans of near-equal size.
// Empty spans are never returned.
func split(n, parts int) []span {
	if n <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	size := (n + parts - 1) / parts
	spans := make([]span, 0, parts)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		spans = append(spans, span{lo: lo, hi: hi})
	}
	return spans
}

// fanOut runs fn once per span concurrently and waits for all of them.
// fn receives its span's position so it can write a private partial result.
// A panic inside fn is returned as an error instead of crashing the process.
func fanOut(spans []span, fn func(part int, s span)) error {
	var g errgroup.Group
	for p, s := range spans {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("partition %d [%d,%d): panic: %v\n%s", p, s.lo, s.hi, r, debug.Stack())
				}
			}()
			fn(p, s)
			return nil
		})
	}
	return g.Wait()
}
