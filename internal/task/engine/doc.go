// Package engine is an in-process task engine for short, non-blocking,
// frequently-polled work.
//
// Tasks run in FIFO order on a single consumer goroutine. A task may be
// delayed (StartDelay), rescheduled after reporting failure
// (RescheduleOnFailure + RescheduleDelay) or run asynchronously, in which case
// the consumer dispatches the work to a background goroutine and polls the
// result with a bounded wait instead of blocking.
//
// Delayed and rescheduled tasks sit in a deadline-ordered store until a
// promotion (periodic, or manual via PromoteDue/PromoteAll) moves them into
// the ready queue.
package engine
