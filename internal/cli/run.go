package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/apostrophecms/sql/internal/config"
	"github.com/apostrophecms/sql/pkg/docsql"
)

const (
	minArgs      = 2
	consumedOne  = 1
	consumedTwo  = 2
	consumedNone = 0
	helpFlag     = "--help"
)

var (
	errFlagRequiresArg = errors.New("flag requires an argument")
	errUnknownFlag     = errors.New("unknown flag")
	errUsage           = errors.New("usage")
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. A signal on it cancels the running command.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) < minArgs {
		printUsage(out)

		return 0
	}

	flags, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	if len(flags.remaining) == 0 {
		printUsage(out)

		return 0
	}

	if flags.remaining[0] == "-h" || flags.remaining[0] == helpFlag {
		printUsage(out)

		return 0
	}

	cfg, err := config.Load(config.Input{
		WorkDirOverride: flags.workDir,
		ConfigPath:      flags.configPath,
		Overrides:       flags.overrides,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	a := &app{
		cfg:    cfg,
		log:    cfg.Logger(errOut),
		stdin:  stdin,
		out:    out,
		errOut: errOut,
	}

	code := a.dispatch(ctx, flags.remaining)

	if err := a.close(); err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	return code
}

// app holds what every command shares: the resolved configuration and a
// database opened on first use.
type app struct {
	cfg    config.Config
	log    *slog.Logger
	stdin  io.Reader
	out    io.Writer
	errOut io.Writer

	db *docsql.DB
}

func (a *app) open(ctx context.Context) (*docsql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := docsql.Open(ctx, docsql.Config{
		Path:                a.cfg.DatabaseAbs,
		MetadataDir:         a.cfg.MetadataDirAbs,
		Mode:                a.cfg.ParsedMode,
		MaxIdentifierLength: a.cfg.MaxIdentifierLength,
		Logger:              a.log,
	})
	if err != nil {
		return nil, err
	}

	a.db = db

	return db, nil
}

func (a *app) collection(ctx context.Context, name string) (*docsql.Collection, error) {
	db, err := a.open(ctx)
	if err != nil {
		return nil, err
	}

	return db.Collection(name)
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}

	err := a.db.Close()
	a.db = nil

	return err
}

// dispatch runs one command line: args[0] is the command name.
func (a *app) dispatch(ctx context.Context, args []string) int {
	o := NewIO(a.out, a.errOut)

	cmd, ok := a.lookup(args[0])
	if !ok {
		fprintln(a.errOut, "error: unknown command:", args[0])
		printUsage(a.errOut)

		return 1
	}

	return cmd.Run(ctx, o, args[1:])
}

func (a *app) lookup(name string) (*Command, bool) {
	for _, cmd := range a.commands() {
		if cmd.Name() == name {
			return cmd, true
		}
	}

	return nil, false
}

type globalFlags struct {
	workDir    string
	configPath string
	overrides  config.Config
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			// Not a flag, this is the command
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// parseFlag tries to parse a flag at args[idx]. Returns number of args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	if after, ok := strings.CutPrefix(arg, "-C"); ok && after != "" {
		flags.workDir = after

		return consumedOne, nil
	}

	valued := []struct {
		names []string
		dst   *string
	}{
		{[]string{"-C", "--cwd"}, &flags.workDir},
		{[]string{"-c", "--config"}, &flags.configPath},
		{[]string{"--database"}, &flags.overrides.Database},
		{[]string{"--metadata-dir"}, &flags.overrides.MetadataDir},
		{[]string{"--mode"}, &flags.overrides.Mode},
		{[]string{"--log-level"}, &flags.overrides.LogLevel},
		{[]string{"--log-format"}, &flags.overrides.LogFormat},
	}

	for _, f := range valued {
		for _, name := range f.names {
			if arg == name {
				if idx+1 >= len(args) {
					return consumedNone, fmt.Errorf("%w: %s", errFlagRequiresArg, arg)
				}

				*f.dst = args[idx+1]

				return consumedTwo, nil
			}

			if after, ok := strings.CutPrefix(arg, name+"="); ok && strings.HasPrefix(name, "--") {
				*f.dst = after

				return consumedOne, nil
			}
		}
	}

	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	if strings.HasPrefix(arg, "-") && arg != "-" {
		return consumedNone, fmt.Errorf("%w: %s", errUnknownFlag, arg)
	}

	return consumedNone, nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer) {
	fprintln(w, `docsql - document collections in SQLite

Usage: docsql [options] <command> [args]

Options:
  -C, --cwd <dir>          Run as if started in <dir>
  -c, --config <file>      Use specified config file
  --database <file>        SQLite database file
  --metadata-dir <dir>     Column descriptor directory
  --mode <mode>            development or locked
  --log-level <level>      debug, info, warn or error
  --log-format <format>    text or json`)

	cmds := (&app{}).commands()

	for _, group := range groups {
		fprintln(w)
		fprintln(w, group+":")

		for _, cmd := range cmds {
			if cmd.Group == group {
				fprintln(w, cmd.helpLine())
			}
		}
	}

	fprintln(w, `
Run "docsql <command> --help" for a command's flags and an example.

JSON arguments accept comments and trailing commas. Dates are written
{"$date": "2026-01-02T03:04:05Z"} and binary values {"$binary": "<base64>"}.`)
}
