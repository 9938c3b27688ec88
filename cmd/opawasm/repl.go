package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/opawasm/policy"
	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl policy.wasm",
	Short: "Interactive evaluation loop",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) against one policy.

Each line is a JSON input document evaluated against the selected
entrypoint. Commands:
  :entry <name>     Select the entrypoint
  :data <json>      Replace the data document
  :entrypoints      List entrypoints
  exit, quit        Leave (or press Ctrl+D)

Lines ending with \ continue on the next line.`,
	Args: cobra.ExactArgs(1),
	Run:  runRepl,
}

var (
	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.opawasm_history)")
	replCmd.Flags().StringP("entrypoint", "e", "", "Initial entrypoint")
	addPolicyFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

// replSession holds the REPL state between lines.
type replSession struct {
	p          *policy.Policy
	entrypoint string
	out        io.Writer
	errOut     io.Writer
}

// handle runs one complete line. It reports false when the session should
// end.
func (s *replSession) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	command := strings.Fields(line)[0]
	switch {
	case line == "exit" || line == "quit":
		return false
	case command == ":entrypoints":
		s.listEntrypoints()
	case command == ":entry":
		name := strings.TrimSpace(strings.TrimPrefix(line, ":entry"))
		if name == "" {
			s.printError(fmt.Errorf("usage: :entry <name>"))
			return true
		}
		if _, ok := s.p.Entrypoints()[name]; !ok {
			s.printError(fmt.Errorf("%w: %q", policy.ErrUnknownEntrypoint, name))
			return true
		}
		s.entrypoint = name
		fmt.Fprintln(s.out, helpStyle.Render("entrypoint: "+name))
	case command == ":data":
		doc := strings.TrimSpace(strings.TrimPrefix(line, ":data"))
		data, err := parseDocument([]byte(doc), ".json")
		if err != nil {
			s.printError(err)
			return true
		}
		if err := s.p.SetData(ctx, data); err != nil {
			s.printError(err)
			return true
		}
		fmt.Fprintln(s.out, helpStyle.Render("data updated"))
	case strings.HasPrefix(command, ":"):
		s.printError(fmt.Errorf("unknown command %s", command))
	default:
		s.evaluate(ctx, line)
	}
	return true
}

func (s *replSession) evaluate(ctx context.Context, line string) {
	input, err := parseDocument([]byte(line), ".json")
	if err != nil {
		s.printError(err)
		return
	}

	var opts []policy.EvalOption
	if s.entrypoint != "" {
		opts = append(opts, policy.WithEntrypoint(s.entrypoint))
	}
	result, err := s.p.EvaluateRaw(ctx, input, opts...)
	if err != nil {
		s.printError(err)
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err == nil {
		result = pretty.Bytes()
	}
	fmt.Fprintln(s.out, resultStyle.Render(string(result)))
}

func (s *replSession) listEntrypoints() {
	eps := s.p.Entrypoints()
	names := make([]string, 0, len(eps))
	for name := range eps {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return eps[names[i]] < eps[names[j]] })
	for _, name := range names {
		marker := " "
		if name == s.entrypoint {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %3d  %s\n", marker, eps[name], name)
	}
}

func (s *replSession) printError(err error) {
	fmt.Fprintln(s.errOut, errorStyle.Render("Error: "+err.Error()))
}

func (s *replSession) prompt() string {
	name := s.entrypoint
	if name == "" {
		name = "default"
	}
	return promptStyle.Render(name+">") + " "
}

func runRepl(cmd *cobra.Command, args []string) {
	historyFile, _ := cmd.Flags().GetString("history")
	entrypoint, _ := cmd.Flags().GetString("entrypoint")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".opawasm_history")
	}

	engine, err := newEngine(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	p, err := loadPolicy(ctx, cmd, engine, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer p.Close(ctx)

	session := &replSession{p: p, out: os.Stdout, errOut: os.Stderr}
	if entrypoint != "" && !session.handle(ctx, ":entry "+entrypoint) {
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            session.prompt(),
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	major, minor := p.ABIVersion()
	fmt.Fprintln(os.Stderr, helpStyle.Render(fmt.Sprintf(
		"opawasm REPL, ABI %d.%d, %d entrypoints (type 'exit' to quit, Ctrl+D to exit)",
		major, minor, len(p.Entrypoints()))))

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(session.prompt())
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
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
		}

		if !session.handle(ctx, line) {
			break
		}
		rl.SetPrompt(session.prompt())
	}
}
