// Package zygote provides a pre-forked template process that spawns
// per-session sandbox process pairs in isolated Linux namespaces.
//
// # Overview
//
// A host process starts the zygote once over a pathless socketpair and
// afterwards asks it to spawn sessions. For every session the zygote clones
// a supervisor into fresh user and mount namespaces, commits its uid/gid
// mapping while the child is still parked below execve, and hands it a
// configuration socket. The supervisor prepares a tmpfs-backed root
// directory and forks the sandbox process, which populates and pivots into
// the root, then dials back to the host on an abstract socket to run the
// requested program. Commands are encoded by gob with oob for fd / pid.
//
// # Channel protocol
//
// Host to zygote communication is single threaded and always initiated by
// the host:
//
// ## ping (alive check)
//
// - send: ping
// - reply: pong
//
// ## spawn (create a session process pair)
//
// - send: spawn (session id, sandbox spec, callback address, status pipe fd)
// - reply:
// - success: supervisor pid, sandbox pid
// - failed: stage-tagged error with zero side effects
//
// # Callback protocol
//
// The sandbox process dials the session's abstract callback address and the
// host drives it:
//
// - sandbox: ready
// - host: proceed (argv, env, rlimits, fds) / kill
// - sandbox: pid of the program (as credential oob), waits for ok / kill
// - sandbox: result
// - host: kill
// - sandbox: (final ack)
//
// Any socket related error causes the sandbox to kill spawned processes and
// exit; the supervisor then tears the session down and reports a final
// status line on the session status pipe.
package zygote
