// Package executor runs resolved commands as subprocesses.
//
// A command is an argument vector, never a shell string: argv[0] is looked up
// on PATH and the remaining tokens are passed through untouched, so payload
// text substituted into a token cannot be re-parsed by a shell.
//
// Each run has:
//   - stdin connected to the null device
//   - stderr merged into stdout (combined output, capped)
//   - the configured working directory and the inherited environment
//
// Failures are data. A non-zero exit, a spawn error or a timeout produce a
// Result whose Text starts with ErrorPrefix; Run never returns an error.
//
// Timeouts are optional. With a zero timeout a hung command blocks the caller
// for as long as it runs. With a timeout (or when ctx is cancelled) the process
// gets SIGTERM, then SIGKILL after a 5 second grace period.
package executor
