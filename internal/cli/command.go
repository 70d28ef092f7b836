package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command groups, in help order.
const (
	groupRead   = "Reading"
	groupWrite  = "Writing"
	groupIndex  = "Indexes"
	groupManage = "Inspection"
)

var groups = []string{groupRead, groupWrite, groupIndex, groupManage}

// Command is one docsql subcommand. Its name is the name of Flags.
type Command struct {
	Flags *flag.FlagSet

	// Args describes the positional arguments, e.g. "<collection> [filter]".
	Args string

	// MinArgs and MaxArgs bound the positional argument count, checked
	// before Exec runs. A negative MaxArgs allows any number.
	MinArgs int
	MaxArgs int

	Group string
	Short string
	Long  string

	// Example is one shell line shown in command help.
	Example string

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name.
func (c *Command) Name() string {
	return c.Flags.Name()
}

// Usage renders the command line after "docsql".
func (c *Command) Usage() string {
	parts := []string{c.Name()}

	if c.Args != "" {
		parts = append(parts, c.Args)
	}

	if c.Flags.HasFlags() {
		parts = append(parts, "[flags]")
	}

	return strings.Join(parts, " ")
}

func (c *Command) helpLine() string {
	return fmt.Sprintf("  %-46s %s", c.Usage(), c.Short)
}

func (c *Command) printHelp(o *IO) {
	o.Println("Usage: docsql", c.Usage())
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags.HasFlags() {
		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()

		o.Println()
		o.Println("Flags:")
		o.Printf("%s", buf.String())
	}

	if c.Example != "" {
		o.Println()
		o.Println("Example:")
		o.Println("  docsql", c.Example)
	}
}

func (c *Command) checkArgs(args []string) error {
	if len(args) < c.MinArgs || (c.MaxArgs >= 0 && len(args) > c.MaxArgs) {
		return fmt.Errorf("%w: docsql %s", errUsage, c.Usage())
	}

	return nil
}

// Run parses flags, checks the argument count and executes the command. It
// returns the exit code. Warnings collected during Exec are flushed before
// the error line.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.printHelp(o)

			return o.Finish()
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.printHelp(NewIO(o.errOut, o.errOut))

		return 1
	}

	rest := c.Flags.Args()

	if err := c.checkArgs(rest); err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	if err := c.Exec(ctx, o, rest); err != nil {
		o.Finish()
		o.ErrPrintln("error:", err)

		return 1
	}

	return o.Finish()
}
