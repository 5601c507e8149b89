// Package forkexec starts a child process through raw clone / execve with a
// parent-child synchronization protocol over a socket pair.
//
// The child half executes no Go code between clone and execve, only raw
// syscalls, so callers may clone from a multi-threaded process. When a user
// namespace is requested the child blocks below execve until the parent has
// committed the ID mappings and acknowledged them over the sync pair; a
// failed mapping therefore kills the child before it runs anything.
//
// seccomp, unshare pid / user namespaces requires kernel >= 3.8
// pipe2, dup3 requires kernel >= 2.6.27
package forkexec
