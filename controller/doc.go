// Package controller runs sandbox sessions against a zygote channel.
//
// A Controller owns the host side of the engine: it asks the zygote for a
// new session, waits for the session's sandbox process to dial back on a
// per-session callback listener, and hands out Session handles. A Session
// runs exactly one workload; its lifecycle is
//
//	Requested -> Acknowledged -> AwaitingCallback -> Bridged -> Executing
//	    -> Completed | Aborted -> Released
//
// Abort is legal from every non-terminal state and idempotent. Release
// reads the supervisor's cleanup verdict from the session status pipe; a
// session whose supervisor cannot confirm cleanup in time is killed and
// released with a leak record instead of silently.
//
// Sessions run concurrently on ordinary goroutines. The zygote channel
// itself serializes the spawn requests.
package controller
