// Package supervisor launches the child runtime and keeps it alive.
//
// A [Launcher] knows how to start one kind of runtime: [ExecLauncher] for
// an OS process, [WasmLauncher] for a WASI module run in-process by wazero.
// The [Supervisor] wraps a launcher with a state machine:
//
//	NotStarted -> Running -> Stopped | Crashed
//
// A crash relaunches when restart-on-failure is set, otherwise the
// supervisor stays Crashed until Stop and Start. A clean exit the host did
// not ask for relaunches when restart-on-completion is set. Each exit event
// triggers at most one relaunch, and Stop suppresses any pending one.
//
// Every launch produces an [Instance] with a fresh bridge connection.
// Instance.Exec sends one submission and waits for its completion; callers
// that lose their instance mid-submission use Supervisor.Next to wait for
// its replacement.
package supervisor
