// Package capture reproduces a closure-capture leak.
//
// A recorder appends deferred computations to a queue and never removes,
// drains or invokes them. Whatever those computations capture therefore stays
// reachable for as long as the recorder does, no matter how often the garbage
// collector runs.
//
// Two capture semantics are kept side by side:
//
//   - SharedRecorder: every computation holds a pointer to one Cell. Invoking
//     any of them yields the square of the cell's latest value.
//   - HolderRecorder: every computation holds the Holder that was current when
//     it was queued. The recorder then installs a new Holder with the same ID,
//     so each capture has its own identity.
package capture
