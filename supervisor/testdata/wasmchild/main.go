// Command wasmchild serves the calculator over stdio. Tests build it with
// GOOS=wasip1 GOARCH=wasm and run it under WasmLauncher.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/caffeineduck/polybridge/child"
)

func main() {
	ev := child.EvaluatorFunc(func(ctx context.Context, conn *child.Conn, req child.Request) error {
		switch req.Code {
		case "exit":
			os.Exit(0)
		case "crash":
			fmt.Fprint(conn, "partial")
			os.Exit(3)
		}
		return child.Calc{}.Eval(ctx, conn, req)
	})
	if err := child.Serve(context.Background(), os.Stdin, os.Stdout, ev); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
