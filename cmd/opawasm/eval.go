package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/caffeineduck/opawasm/policy"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var evalCmd = &cobra.Command{
	Use:   "eval [policy.wasm]",
	Short: "Evaluate a policy once",
	Long: `Evaluate a compiled policy against a single input document.

Input can be provided via:
  - File: opawasm eval policy.wasm -i input.json
  - Inline flag: opawasm eval policy.wasm --input-json '{"user":"alice"}'
  - Stdin: echo '{"user":"alice"}' | opawasm eval policy.wasm

Without any of these the policy is evaluated with undefined input.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runEval,
}

func init() {
	addEvalFlags(evalCmd)
	rootCmd.AddCommand(evalCmd)
}

func addEvalFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("input", "i", "", "Input document file (JSON or YAML)")
	cmd.Flags().String("input-json", "", "Inline input document")
	cmd.Flags().StringP("entrypoint", "e", "", "Entrypoint name (default: entrypoint 0)")
	cmd.Flags().Bool("raw", false, "Print the result set exactly as the policy produced it")
	addPolicyFlags(cmd)
}

func runEval(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		cmd.Help()
		return
	}
	if err := evalPolicy(cmd, args[0], os.Stdin, cmd.OutOrStdout()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func evalPolicy(cmd *cobra.Command, path string, stdin io.Reader, out io.Writer) error {
	entrypoint, _ := cmd.Flags().GetString("entrypoint")
	raw, _ := cmd.Flags().GetBool("raw")

	input, err := readInput(cmd, stdin)
	if err != nil {
		return err
	}

	engine, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx := context.Background()
	p, err := loadPolicy(ctx, cmd, engine, path)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	var opts []policy.EvalOption
	if entrypoint != "" {
		opts = append(opts, policy.WithEntrypoint(entrypoint))
	}

	result, err := p.EvaluateRaw(ctx, input, opts...)
	if err != nil {
		return err
	}

	if !raw {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, result, "", "  "); err == nil {
			result = pretty.Bytes()
		}
	}
	fmt.Fprintln(out, string(result))
	return nil
}

// readInput returns the input document as JSON, or nil when none was given.
func readInput(cmd *cobra.Command, stdin io.Reader) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("input-json")
	file, _ := cmd.Flags().GetString("input")

	switch {
	case inline != "":
		return parseDocument([]byte(inline), ".json")
	case file != "":
		return readDocument(file)
	}

	// Only read piped stdin, never block on a terminal.
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	return parseDocument(b, ".json")
}
