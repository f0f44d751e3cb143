// Package polybridge runs code for a host kernel in a supervised child
// runtime that talks back to the host over a side channel.
//
// # Overview
//
// The child is an OS process or a WASI module. It reads commands as JSON
// lines on stdin and writes its output on stdout, interleaved with
// NUL-delimited control frames for readiness, completion and callbacks.
// The host keeps a bounded shared state that outlives child restarts.
//
// # Basic Usage
//
//	b := bridge.New(bridge.WithCapacity(500))
//	launcher, _ := supervisor.NewExecLauncher("python3 -u kernel.py")
//	sup := supervisor.New(launcher, b)
//	interp := interpreter.New(submission.New(sup))
//	defer interp.Stop(ctx)
//
//	res, err := interp.Interpret(ctx, "1+1", false)
//	if out, ok := res.Output(); ok {
//	    fmt.Println(out)
//	}
//
// # Shared State
//
//	b.Put("threshold", 10)        // host side
//	conn.Get("threshold")         // child side, through package child
//
// # Writing a Child
//
//	child.Serve(ctx, os.Stdin, os.Stdout, child.EvaluatorFunc(eval))
//
// See the [bridge], [supervisor], [submission], [interpreter], [result]
// and [child] packages for detailed API documentation.
package polybridge
