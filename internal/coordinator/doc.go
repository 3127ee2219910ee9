// Package coordinator implements the dispatcher side of the distributed elbow
// search: it registers joining workers, splits the K range among them, starts
// them, collects the SSD each reports per K, and estimates the best K.
//
// # Overview
//
// A run is a fixed sequence of phases. The shared collector behind the
// listener is cleared at every transition, so each phase only sees the
// messages that arrived during it:
//
//	┌──────────────────┐   ┌─────────────┐   ┌──────────────────┐
//	│ ListenForWorkers │──▶│ LoadWorkers │──▶│ ListenForResults │
//	└──────────────────┘   └─────────────┘   └──────────────────┘
//	                                                  │
//	┌──────────────┐   ┌────────────────┐   ┌──────────────────┐
//	│ ComputeElbow │◀──│ CollectResults │◀──│     Dispatch     │
//	└──────────────┘   └────────────────┘   └──────────────────┘
//
// Run drives all of them; the phase methods stay exported for callers that
// want to step through by hand.
//
// # Core Components
//
// WorkerRegistry: ordered registrations keyed by worker address
//   - Registration order is dispatch order
//   - A re-join from a known address replaces its port, keeping its position
//
// PartitionWork: static split of [kDown, kUp)
//   - (kUp-kDown)/workers values per worker, contiguous from kDown
//   - The division remainder is never dispatched; Undispatched names it
//
// Dispatch: sequential start messages
//   - One worker at a time, each acknowledged before the next
//   - Stops at the first failure
//
// ProgressWatcher: periodic checks while collecting
//   - Ends collection once the expected count arrives
//   - Optionally gives up after a number of checks without progress
//
// ComputeElbow: maximal decrease in steepness
//   - Results sorted by K, slope per adjacent pair
//   - First strictly largest positive slope[i+1] - slope[i]
//
// # Example
//
// With results (1,100) (2,60) (3,50) (4,48) the slopes are -40, -10 and -2.
// The decreases are 30 and 8, so the candidate is the segment pair spanning
// K=1..3 and the elbow sits at K=2.
//
// # Thread Safety
//
// The registry, the collector and the result list are safe for concurrent
// use. Phase methods themselves are meant to be called from one goroutine.
//
// # Limitations
//
//   - No rebalancing: a worker that dies after its start leaves its K values
//     unevaluated
//   - K values in the partition remainder are never evaluated
//   - Nothing survives a coordinator restart
package coordinator
