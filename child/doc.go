// Package child implements the child end of the bridge protocol, for
// runtimes written in Go.
//
// A child binary calls [Serve] with its stdin and stdout and an
// [Evaluator]:
//
//	func main() {
//		if err := child.Serve(ctx, os.Stdin, os.Stdout, child.Calc{}); err != nil {
//			fmt.Fprintln(os.Stderr, err)
//			os.Exit(1)
//		}
//	}
//
// Evaluators write output to the [Conn] and reach the host through it:
// shared state (Get, Put, Delete, Keys), rich display, and any registered
// host operation via Call. Errors coming back from the host match the
// hostfunc sentinels, so a full store can be detected with
// errors.Is(err, hostfunc.ErrCapacityExceeded).
package child
