package cli

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/apostrophecms/sql/internal/config"
	"github.com/apostrophecms/sql/pkg/docsql"
)

// commands returns fresh commands; flag sets keep state between parses.
func (a *app) commands() []*Command {
	return []*Command{
		a.findCmd(),
		a.countCmd(),
		a.distinctCmd(),
		a.insertCmd(),
		a.updateCmd(),
		a.replaceCmd(),
		a.deleteCmd(),
		a.indexCmd(),
		a.indexesCmd(),
		a.dropIndexCmd(),
		a.collectionsCmd(),
		a.statsCmd(),
		a.printConfigCmd(),
		a.shellCmd(),
	}
}

func (a *app) findCmd() *Command {
	flags := flag.NewFlagSet("find", flag.ContinueOnError)
	sortSpec := flags.String("sort", "", "Sort fields, comma separated; prefix with - for descending")
	skip := flags.Int("skip", 0, "Skip the first N matches")
	limit := flags.Int("limit", 0, "Return at most N documents (0 = all)")
	project := flags.String("project", "", `Projection, e.g. {"name": 1}`)

	return &Command{
		Flags:   flags,
		Args:    "<collection> [filter]",
		MinArgs: 1,
		MaxArgs: 2,
		Group:   groupRead,
		Example: `find pets '{"fur": "black"}' --sort=-age --limit=5`,
		Short:   "Print matching documents, one per line",
		Long: `Print documents matching filter as JSON, one per line.

Every --sort field needs an index on the collection.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, filter, err := a.target(ctx, args, 1)
			if err != nil {
				return err
			}

			cur := coll.Find(filter).Sort(parseSort(*sortSpec)...).Skip(*skip).Limit(*limit)

			if *project != "" {
				proj, err := parseObject(*project)
				if err != nil {
					return fmt.Errorf("--project: %w", err)
				}

				cur = cur.Project(proj)
			}

			docs, err := cur.ToArray(ctx)
			if err != nil {
				return err
			}

			for _, doc := range docs {
				line, err := formatValue(doc)
				if err != nil {
					return err
				}

				o.Println(line)
			}

			return nil
		},
	}
}

func (a *app) countCmd() *Command {
	return &Command{
		Flags:   flag.NewFlagSet("count", flag.ContinueOnError),
		Args:    "<collection> [filter]",
		MinArgs: 1,
		MaxArgs: 2,
		Group:   groupRead,
		Example: `count pets '{"age": {"$gte": 3}}'`,
		Short:   "Count matching documents",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, filter, err := a.target(ctx, args, 1)
			if err != nil {
				return err
			}

			n, err := coll.CountDocuments(ctx, filter)
			if err != nil {
				return err
			}

			o.Println(n)

			return nil
		},
	}
}

func (a *app) distinctCmd() *Command {
	return &Command{
		Flags:   flag.NewFlagSet("distinct", flag.ContinueOnError),
		Args:    "<collection> <path> [filter]",
		MinArgs: 2,
		MaxArgs: 3,
		Group:   groupRead,
		Example: `distinct pets owner.name`,
		Short:   "Print the distinct values of a path",
		Long: `Print the distinct values of path among matching documents, one per line.

Array values contribute each element.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, filter, err := a.target(ctx, append([]string{args[0]}, args[2:]...), 1)
			if err != nil {
				return err
			}

			values, err := coll.Distinct(ctx, args[1], filter)
			if err != nil {
				return err
			}

			for _, v := range values {
				line, err := formatValue(v)
				if err != nil {
					return err
				}

				o.Println(line)
			}

			return nil
		},
	}
}

func (a *app) insertCmd() *Command {
	return &Command{
		Flags:   flag.NewFlagSet("insert", flag.ContinueOnError),
		Args:    "<collection> [document]...",
		MinArgs: 1,
		MaxArgs: -1,
		Group:   groupWrite,
		Example: `insert pets '{"name": "pypy", "fur": "black"}'`,
		Short:   "Insert documents and print their ids",
		Long: `Insert documents and print their ids, one per line.

Without document arguments, one document per line is read from stdin.
Documents without an _id get a generated one. Insertion stops at the
first failure; documents before it stay inserted.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			raw := args[1:]
			if len(raw) == 0 {
				lines, err := a.readLines()
				if err != nil {
					return err
				}

				raw = lines
			}

			if len(raw) == 0 {
				return fmt.Errorf("%w: no documents to insert", errUsage)
			}

			docs := make([]docsql.Document, 0, len(raw))

			for _, r := range raw {
				doc, err := parseObject(r)
				if err != nil {
					return err
				}

				docs = append(docs, doc)
			}

			coll, err := a.collection(ctx, args[0])
			if err != nil {
				return err
			}

			res, err := coll.InsertMany(ctx, docs)
			if res != nil {
				for _, id := range res.InsertedIDs {
					o.Println(id)
				}
			}

			return err
		},
	}
}

func (a *app) updateCmd() *Command {
	flags := flag.NewFlagSet("update", flag.ContinueOnError)
	many := flags.Bool("many", false, "Update every matching document")
	upsert := flags.Bool("upsert", false, "Insert a document when nothing matches")

	return &Command{
		Flags:   flags,
		Args:    "<collection> <filter> <update>",
		MinArgs: 3,
		MaxArgs: 3,
		Group:   groupWrite,
		Example: `update pets '{"name": "pypy"}' '{"$inc": {"visits": 1}}' --upsert`,
		Short:   "Apply update operators to matching documents",
		Long: `Apply update operators ($set, $unset, $inc, $pull, $addToSet,
$currentDate) to the first matching document, or to all with --many.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, filter, err := a.target(ctx, args[:2], 1)
			if err != nil {
				return err
			}

			ops, err := parseObject(args[2])
			if err != nil {
				return err
			}

			opts := docsql.UpdateOptions{Upsert: *upsert}

			var res *docsql.UpdateResult
			if *many {
				res, err = coll.UpdateMany(ctx, filter, ops, opts)
			} else {
				res, err = coll.UpdateOne(ctx, filter, ops, opts)
			}

			if err != nil {
				return err
			}

			printUpdate(o, res)

			return nil
		},
	}
}

func (a *app) replaceCmd() *Command {
	flags := flag.NewFlagSet("replace", flag.ContinueOnError)
	upsert := flags.Bool("upsert", false, "Insert the document when nothing matches")

	return &Command{
		Flags:   flags,
		Args:    "<collection> <filter> <document>",
		MinArgs: 3,
		MaxArgs: 3,
		Group:   groupWrite,
		Example: `replace pets '{"_id": "p1"}' '{"name": "spike"}'`,
		Short:   "Replace the first matching document",
		Long:    "Replace the first matching document wholesale, keeping its _id.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, filter, err := a.target(ctx, args[:2], 1)
			if err != nil {
				return err
			}

			doc, err := parseObject(args[2])
			if err != nil {
				return err
			}

			res, err := coll.ReplaceOne(ctx, filter, doc, docsql.UpdateOptions{Upsert: *upsert})
			if err != nil {
				return err
			}

			printUpdate(o, res)

			return nil
		},
	}
}

func printUpdate(o *IO, res *docsql.UpdateResult) {
	if res.MatchedCount == 0 && res.UpsertedID == "" {
		o.Warn("no document matched the filter", "check the filter, or pass --upsert")
	}

	o.Printf("matched=%d modified=%d\n", res.MatchedCount, res.ModifiedCount)

	if res.UpsertedID != "" {
		o.Println("upserted=" + res.UpsertedID)
	}
}

func (a *app) deleteCmd() *Command {
	flags := flag.NewFlagSet("delete", flag.ContinueOnError)
	many := flags.Bool("many", false, "Delete every matching document")

	return &Command{
		Flags:   flags,
		Args:    "<collection> <filter>",
		MinArgs: 2,
		MaxArgs: 2,
		Group:   groupWrite,
		Example: `delete pets '{"fur": "black"}' --many`,
		Short:   "Delete the first matching document",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, filter, err := a.target(ctx, args, 1)
			if err != nil {
				return err
			}

			var res *docsql.DeleteResult
			if *many {
				res, err = coll.DeleteMany(ctx, filter)
			} else {
				res, err = coll.DeleteOne(ctx, filter)
			}

			if err != nil {
				return err
			}

			o.Printf("deleted=%d\n", res.DeletedCount)

			return nil
		},
	}
}

func (a *app) indexCmd() *Command {
	flags := flag.NewFlagSet("index", flag.ContinueOnError)
	unique := flags.Bool("unique", false, "Reject documents duplicating the indexed values")

	return &Command{
		Flags:   flags,
		Args:    "<collection> <field[:-1]>...",
		MinArgs: 2,
		MaxArgs: -1,
		Group:   groupIndex,
		Example: `index pets type age:-1`,
		Short:   "Create an index and print its name",
		Long: `Create an index on one or more fields and print its name.

Append :-1 to a field for descending order. Creating an index that
already exists succeeds.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			keys, err := parseIndexKeys(args[1:])
			if err != nil {
				return err
			}

			coll, err := a.collection(ctx, args[0])
			if err != nil {
				return err
			}

			name, err := coll.CreateIndex(ctx, keys, docsql.IndexOptions{Unique: *unique})
			if err != nil {
				return err
			}

			o.Println(name)

			return nil
		},
	}
}

func (a *app) indexesCmd() *Command {
	return &Command{
		Flags:   flag.NewFlagSet("indexes", flag.ContinueOnError),
		Args:    "<collection>",
		MinArgs: 1,
		MaxArgs: 1,
		Group:   groupIndex,
		Short:   "List a collection's indexes",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			coll, err := a.collection(ctx, args[0])
			if err != nil {
				return err
			}

			indexes, err := coll.Indexes(ctx)
			if err != nil {
				return err
			}

			for _, idx := range indexes {
				fields := make([]string, len(idx.Keys))
				for i, k := range idx.Keys {
					fields[i] = k.Field
					if k.Descending {
						fields[i] += ":-1"
					}
				}

				line := idx.Name + " " + strings.Join(fields, ",")
				if idx.Unique {
					line += " unique"
				}

				o.Println(line)
			}

			return nil
		},
	}
}

func (a *app) dropIndexCmd() *Command {
	return &Command{
		Flags:   flag.NewFlagSet("drop-index", flag.ContinueOnError),
		Args:    "<collection> <name>",
		MinArgs: 2,
		MaxArgs: 2,
		Group:   groupIndex,
		Short:   "Drop an index by name",
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			coll, err := a.collection(ctx, args[0])
			if err != nil {
				return err
			}

			return coll.DropIndex(ctx, args[1])
		},
	}
}

func (a *app) collectionsCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("collections", flag.ContinueOnError),
		Group: groupManage,
		Short: "List collections",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			db, err := a.open(ctx)
			if err != nil {
				return err
			}

			for _, name := range db.ListCollections() {
				o.Println(name)
			}

			return nil
		},
	}
}

func (a *app) statsCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("stats", flag.ContinueOnError),
		Group: groupManage,
		Short: "Print this process's counters in Prometheus format",
		Long: `Print the docsql_* counters in Prometheus text format.

Counters cover the current process only; in the shell they accumulate
across commands.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			db, err := a.open(ctx)
			if err != nil {
				return err
			}

			var buf strings.Builder

			db.WriteMetrics(&buf)
			o.Printf("%s", buf.String())

			return nil
		},
	}
}

func (a *app) printConfigCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Group: groupManage,
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and where it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			formatted, err := config.Format(a.cfg)
			if err != nil {
				return err
			}

			o.Println(formatted)
			o.Println("")
			o.Println("# Resolved:")
			o.Println("#   cwd:", a.cfg.EffectiveCwd)
			o.Println("#   database:", a.cfg.DatabaseAbs)
			o.Println("#   metadata_dir:", a.cfg.MetadataDirAbs)
			o.Println("")
			o.Println("# Sources:")

			src := a.cfg.Sources
			if src.Global != "" {
				o.Println("#   global:", src.Global)
			}

			if src.Project != "" {
				o.Println("#   project:", src.Project)
			}

			for _, path := range src.DotEnv {
				o.Println("#   dotenv:", path)
			}

			if src.Global == "" && src.Project == "" && len(src.DotEnv) == 0 {
				o.Println("#   (defaults and environment only)")
			}

			return nil
		},
	}
}

// target resolves args[0] to a collection and parses an optional filter at
// args[filterAt]. A missing filter matches everything. The argument count was
// checked by [Command.Run].
func (a *app) target(ctx context.Context, args []string, filterAt int) (*docsql.Collection, map[string]any, error) {
	filter := map[string]any{}

	if len(args) > filterAt {
		f, err := parseObject(args[filterAt])
		if err != nil {
			return nil, nil, fmt.Errorf("filter: %w", err)
		}

		filter = f
	}

	coll, err := a.collection(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}

	return coll, filter, nil
}

func (a *app) readLines() ([]string, error) {
	if a.stdin == nil {
		return nil, nil
	}

	var lines []string

	sc := bufio.NewScanner(a.stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}

	return lines, nil
}

// parseSort parses "a,-b" into ascending a then descending b.
func parseSort(spec string) []docsql.SortField {
	var fields []docsql.SortField

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if path, ok := strings.CutPrefix(part, "-"); ok {
			fields = append(fields, docsql.SortField{Path: path, Desc: true})
		} else {
			fields = append(fields, docsql.SortField{Path: strings.TrimPrefix(part, "+")})
		}
	}

	return fields
}

// parseIndexKeys parses "field", "field:1" and "field:-1".
func parseIndexKeys(specs []string) ([]docsql.IndexKey, error) {
	keys := make([]docsql.IndexKey, 0, len(specs))

	for _, spec := range specs {
		field, dir, hasDir := strings.Cut(spec, ":")

		key := docsql.IndexKey{Field: field}

		if hasDir {
			n, err := strconv.Atoi(dir)
			if err != nil || (n != 1 && n != -1) {
				return nil, fmt.Errorf("%w: index direction in %q must be 1 or -1", errUsage, spec)
			}

			key.Descending = n == -1
		}

		keys = append(keys, key)
	}

	return keys, nil
}
