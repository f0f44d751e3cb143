package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/polybridge/result"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) against one child runtime.

Shared state survives child restarts for the whole session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - :keys lists shared state, :status shows the child process

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.polybridge_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".polybridge_history")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := newStack(cfg, consoleHost{w: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	if _, err := st.interpreter.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting child: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "polybridge REPL on %s (type 'exit' to quit, Ctrl+D to exit)\n", st.supervisor.Runtime())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(out)
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		evalLine(cmd.Context(), st, line, out, errOut)
	}
	return nil
}

// evalLine runs one REPL entry and reports the outcome. Errors never end
// the session.
func evalLine(ctx context.Context, st *stack, line string, out, errOut io.Writer) {
	switch line {
	case ":keys":
		for _, key := range st.bridge.Keys() {
			fmt.Fprintln(out, key)
		}
		return
	case ":status":
		fmt.Fprintf(out, "state=%s restarts=%d pending=%d\n",
			st.supervisor.State(), st.supervisor.Restarts(), st.service.Pending())
		return
	}

	res, err := st.interpreter.Interpret(ctx, line, false)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return
	}

	switch res.Result {
	case result.Success:
		output, _ := res.Output()
		if output != "" {
			fmt.Fprint(out, output)
			if !strings.HasSuffix(output, "\n") {
				fmt.Fprintln(out)
			}
		}
	case result.Incomplete:
		fmt.Fprintln(errOut, "Incomplete: end the line with \\ to continue it")
	default:
		detail, _ := res.Failure()
		fmt.Fprintf(errOut, "Error: %s\n", detail)
	}
}
