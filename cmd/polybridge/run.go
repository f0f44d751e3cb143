package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/caffeineduck/polybridge/result"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code once and exit",
	Long: `Submit code to a fresh child runtime, print its output and stop.

Code can be provided via:
  - File argument: polybridge run script.calc
  - Inline flag: polybridge run -c 'print 1+1'
  - Stdin: echo 'print 1+1' | polybridge run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().BoolP("silent", "s", false, "Suppress the value of a trailing expression")
}

var errEmptyInput = errors.New("no code given: use -c, a file argument or stdin")

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	silent, _ := cmd.Flags().GetBool("silent")

	var source string
	switch {
	case code != "":
		source = code
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		source = string(data)
	default:
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok {
			// No piped input, show help
			if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return cmd.Help()
			}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		source = string(data)
	}
	if source == "" {
		return errEmptyInput
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

	res, err := st.interpreter.Interpret(cmd.Context(), source, silent)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

// printResult writes successful output, newline terminated, and turns every
// other status into an error for the caller to report.
func printResult(w io.Writer, res result.Normalized) error {
	if out, ok := res.Output(); ok {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		_, err := io.WriteString(w, out)
		return err
	}
	detail, _ := res.Failure()
	return errors.New(detail)
}
