package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

var errUnterminated = errors.New("unterminated quote or bracket")

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Group: groupManage,
		Short: "Run commands interactively",
		Long: `Read commands from an interactive prompt, or line by line from stdin
when it is not a terminal. Commands are the same as on the command line,
without the leading "docsql". JSON arguments may contain spaces.

The database stays open for the whole session.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.shell(ctx, o)
		},
	}
}

// lineReader yields input lines; io.EOF ends the session.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close()
}

func (a *app) shell(ctx context.Context, o *IO) error {
	in := a.newLineReader()
	defer in.Close()

	failed := 0

	for ctx.Err() == nil {
		line, err := in.ReadLine("docsql> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		args, err := splitArgs(line)
		if err != nil {
			o.ErrPrintln("error:", err)

			failed++

			continue
		}

		switch args[0] {
		case "exit", "quit", "q":
			return shellResult(failed)
		case "help", "?":
			printUsage(a.out)

			continue
		case "shell":
			o.ErrPrintln("error: already in a shell")

			failed++

			continue
		}

		if a.dispatch(ctx, args) != 0 {
			failed++
		}
	}

	return shellResult(failed)
}

func shellResult(failed int) error {
	if failed > 0 {
		return fmt.Errorf("%d command(s) failed", failed)
	}

	return nil
}

func (a *app) newLineReader() lineReader {
	if f, ok := a.stdin.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		return newTerminalReader()
	}

	stdin := a.stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	return &scanReader{sc: bufio.NewScanner(stdin)}
}

type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) ReadLine(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (r *scanReader) Close() {}

type terminalReader struct {
	state   *liner.State
	history string
}

func newTerminalReader() *terminalReader {
	r := &terminalReader{state: liner.NewLiner()}
	r.state.SetCtrlCAborts(true)
	r.state.SetCompleter(completeCommand)

	if home, err := os.UserHomeDir(); err == nil {
		r.history = filepath.Join(home, ".docsql_history")

		if f, err := os.Open(r.history); err == nil {
			_, _ = r.state.ReadHistory(f)
			_ = f.Close()
		}
	}

	return r
}

func (r *terminalReader) ReadLine(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}

	return line, nil
}

func (r *terminalReader) Close() {
	if r.history != "" {
		if f, err := os.Create(r.history); err == nil {
			_, _ = r.state.WriteHistory(f)
			_ = f.Close()
		}
	}

	_ = r.state.Close()
}

func completeCommand(line string) []string {
	var out []string

	for _, cmd := range (&app{}).commands() {
		if strings.HasPrefix(cmd.Name(), line) {
			out = append(out, cmd.Name()+" ")
		}
	}

	return out
}

// splitArgs splits a shell line into arguments. Whitespace separates
// arguments except inside quotes or JSON brackets. Single and double quotes
// group and are removed at the top level; inside brackets everything is kept
// verbatim.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		depth   int
		quote   rune
		escaped bool
	)

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)

			escaped = false
		case quote != 0:
			if r == quote {
				quote = 0

				if depth > 0 {
					cur.WriteRune(r)
				}

				continue
			}

			if r == '\\' && quote == '"' {
				escaped = true

				if depth > 0 {
					cur.WriteRune(r)
				}

				continue
			}

			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote, inArg = r, true

			if depth > 0 {
				cur.WriteRune(r)
			}
		case r == '{' || r == '[':
			depth++
			inArg = true

			cur.WriteRune(r)
		case (r == '}' || r == ']') && depth > 0:
			depth--

			cur.WriteRune(r)
		case depth == 0 && (r == ' ' || r == '\t'):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()

				inArg = false
			}
		default:
			inArg = true

			cur.WriteRune(r)
		}
	}

	if quote != 0 || depth != 0 || escaped {
		return nil, errUnterminated
	}

	if inArg {
		args = append(args, cur.String())
	}

	if len(args) == 0 {
		return nil, errUnterminated
	}

	return args, nil
}
