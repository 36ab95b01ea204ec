// Package pam bridges Go callers to the Pluggable Authentication Modules
// conversation protocol.
//
// Sessions:
//   - Session owns one native handle created through a Backend. Every native
//     call is serialized through the session; an operation attempted while
//     another is in flight fails fast with ErrPrecondition instead of blocking.
//   - Preconditions (authenticated before acct_mgmt, open before close, and so
//     on) are checked in Go and never reach the native library.
//   - Close releases the handle exactly once. If a call is still running the
//     release is deferred until it returns.
//
// Conversations:
//   - A ConversationHandler receives each batch of messages in order and must
//     return exactly one Response per message. Count mismatches, unknown styles
//     and handler panics become CONV_ERR results; the underlying error is
//     preserved on the returned error. A failed round fails the whole native
//     call even if the module carries on conversing.
//
// Two phase authentication:
//   - Authenticator runs pam_authenticate on a dedicated worker and exposes it
//     as AuthInit/AuthContinue steps, followed by Login and Logout. Every wait
//     is bounded by Config.Timeout; a timeout fails the authenticator.
//   - Messages raised by Login or Logout are recorded in Messages. A prompt at
//     that point fails immediately with CONV_ERR.
//
// Auditing:
//   - AuditSink receives an event before each guarded native call. A sink
//     error aborts the operation (ErrAuditRejected).
//
// Errors carry go-errors text codes: native failures use the result name
// (for example AUTH_ERR) and bridge failures use PRECONDITION_VIOLATION,
// PROTOCOL_VIOLATION, EXCHANGE_TIMEOUT and friends. Use CodeOf to recover the
// numeric result code.
package pam
