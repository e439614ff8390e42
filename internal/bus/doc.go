// Package bus abstracts the pub/sub plane every frame crosses.
//
// Two implementations exist: Memory for single-process deployments and
// tests, and Redis for running several relay processes against one fan-out
// plane. Both deliver at most once per subscriber and preserve order within
// a single subscriber's stream.
//
// Subscribers poll with Next, which never blocks; callers back off briefly
// on ErrNoMessage. This keeps the receive loop responsive to cancellation
// without tying the bus API to a particular blocking model.
package bus
