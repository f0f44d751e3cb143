// Package bridge connects the host to a child runtime process.
//
// A [Bridge] lives as long as the interpreter. It owns the shared state
// and the registry of host operations, and survives child restarts. Each
// launched process gets its own [Conn], the host end of the wire:
//
//	b := bridge.New(bridge.WithCapacity(500))
//	conn := b.NewConn(proc.Stdin())
//	// the child's stdout is written into conn
//	<-conn.Ready()
//	conn.Exec(id, "1+1", false)
//	completion := <-conn.Done()
//
// # Wire format
//
// The host writes JSON lines on the child's stdin: commands
// ({"type":"exec",...} and {"type":"exit"}) and callback responses. The
// child writes output text on stdout, interleaved with NUL-delimited
// control frames: ready, done, error, incomplete, and callback requests.
// Only one submission is in flight at a time, so a response line is
// always the next line the child reads after sending a request.
package bridge
