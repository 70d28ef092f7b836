package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// CLI runs docsql in tests against a project directory of its own. Each
// invocation opens the database afresh, the same as separate processes would.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// Result is one invocation's output.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Lines returns stdout split into lines, without the trailing newline. Empty
// output has no lines.
func (r Result) Lines() []string {
	out := strings.TrimRight(r.Stdout, "\n")
	if out == "" {
		return nil
	}

	return strings.Split(out, "\n")
}

// NewCLI returns a CLI rooted in a fresh temp directory with an empty
// environment, so no DOCSQL_* variable of the host leaks in.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

// Run invokes "docsql --cwd <Dir> args..." with empty stdin.
func (c *CLI) Run(args ...string) Result {
	return c.Pipe("", args...)
}

// Pipe invokes docsql like [CLI.Run] with stdin as its input.
func (c *CLI) Pipe(stdin string, args ...string) Result {
	var stdout, stderr bytes.Buffer

	argv := append([]string{"docsql", "--cwd", c.Dir}, args...)
	code := Run(strings.NewReader(stdin), &stdout, &stderr, argv, c.Env, nil)

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Code: code}
}

// MustRun fails the test unless the command exits 0. It returns stdout
// without surrounding whitespace.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	res := c.Run(args...)
	if res.Code != 0 {
		c.t.Fatalf("docsql %s: exit %d\nstderr: %s", strings.Join(args, " "), res.Code, res.Stderr)
	}

	return strings.TrimSpace(res.Stdout)
}

// MustFail fails the test unless the command exits non-zero with nothing on
// stdout. It returns stderr without surrounding whitespace.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	res := c.Run(args...)
	if res.Code == 0 {
		c.t.Fatalf("docsql %s: succeeded, want failure\nstdout: %s", strings.Join(args, " "), res.Stdout)
	}

	if res.Stdout != "" {
		c.t.Fatalf("docsql %s: failed but wrote stdout\nstdout: %s", strings.Join(args, " "), res.Stdout)
	}

	return strings.TrimSpace(res.Stderr)
}

// Insert inserts docs into collection and returns their ids in order.
func (c *CLI) Insert(collection string, docs ...string) []string {
	c.t.Helper()

	res := c.Run(append([]string{"insert", collection}, docs...)...)
	if res.Code != 0 {
		c.t.Fatalf("insert into %s: exit %d\nstderr: %s", collection, res.Code, res.Stderr)
	}

	return res.Lines()
}

// Find runs find on collection with extra args and decodes every printed
// document. Extended values stay in their JSON form.
func (c *CLI) Find(collection string, args ...string) []map[string]any {
	c.t.Helper()

	res := c.Run(append([]string{"find", collection}, args...)...)
	if res.Code != 0 {
		c.t.Fatalf("find in %s: exit %d\nstderr: %s", collection, res.Code, res.Stderr)
	}

	docs := make([]map[string]any, 0, len(res.Lines()))

	for _, line := range res.Lines() {
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			c.t.Fatalf("find in %s: line %q: %v", collection, line, err)
		}

		docs = append(docs, doc)
	}

	return docs
}

// Descriptor returns the raw column descriptor recorded for collection under
// the default metadata directory.
func (c *CLI) Descriptor(collection string) string {
	c.t.Helper()

	content, err := os.ReadFile(filepath.Join(c.Dir, "docsql-schema", collection+".json"))
	if err != nil {
		c.t.Fatalf("descriptor %s: %v", collection, err)
	}

	return string(content)
}

// WriteFile writes a project file, creating parent directories.
func (c *CLI) WriteFile(name, content string) {
	c.t.Helper()

	path := filepath.Join(c.Dir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		c.t.Fatalf("mkdir for %s: %v", name, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		c.t.Fatalf("write %s: %v", name, err)
	}
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("missing %q in:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("unexpected %q in:\n%s", substr, content)
	}
}
