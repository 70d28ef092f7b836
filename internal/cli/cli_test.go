package cli_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/apostrophecms/sql/internal/cli"
)

func seedPets(t *testing.T, c *cli.CLI) {
	t.Helper()

	c.Insert("pets",
		`{"_id": "p1", "name": "pypy", "fur": "black", "age": 3}`,
		`{"_id": "p2", "name": "spike", "fur": "brown", "age": 5}`,
		`{"_id": "p3", "name": "rex", "fur": "black", "age": 1}`,
	)
}

func Test_Usage_Lists_Commands_When_No_Command_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun()

	cli.AssertContains(t, stdout, "Usage: docsql")
	cli.AssertContains(t, stdout, "find <collection> [filter]")
	cli.AssertContains(t, stdout, "shell")

	for _, group := range []string{"Reading:", "Writing:", "Indexes:", "Inspection:"} {
		cli.AssertContains(t, stdout, "\n"+group+"\n")
	}
}

func Test_Unknown_Command_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
}

func Test_Unknown_Global_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--verbose", "collections")

	cli.AssertContains(t, stderr, "unknown flag: --verbose")
}

func Test_Command_Help_Prints_Flags_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("find", "--help")

	cli.AssertContains(t, stdout, "Usage: docsql find <collection> [filter] [flags]")
	cli.AssertContains(t, stdout, "--sort")

	stdout = c.MustRun("index", "--help")
	cli.AssertContains(t, stdout, "Example:\n  docsql index pets type age:-1")
}

func Test_Command_Fails_With_Usage_When_Argument_Count_Wrong(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"update", "pets", `{}`}, "usage: docsql update <collection> <filter> <update> [flags]"},
		{[]string{"find"}, "usage: docsql find <collection> [filter] [flags]"},
		{[]string{"count", "pets", `{}`, `{}`}, "usage: docsql count <collection> [filter]"},
		{[]string{"collections", "pets"}, "usage: docsql collections"},
		{[]string{"index", "pets"}, "usage: docsql index <collection> <field[:-1]>... [flags]"},
	}

	for _, tt := range tests {
		cli.AssertContains(t, c.MustFail(tt.args...), tt.want)
	}
}

func Test_Insert_Prints_Ids_When_Documents_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	lines := c.Insert("pets", `{"_id": "p1", "name": "pypy"}`, `{"name": "spike"}`)
	if len(lines) != 2 || lines[0] != "p1" || lines[1] == "" {
		t.Fatalf("ids = %q, want p1 and a generated id", lines)
	}

	if got := c.MustRun("count", "pets"); got != "2" {
		t.Fatalf("count = %s, want 2", got)
	}
}

func Test_Insert_Reads_Stdin_When_No_Documents_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	res := c.Pipe("{\"_id\": \"a\"}\n\n{\"_id\": \"b\"}\n", "insert", "pets")
	if res.Code != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.Code, res.Stderr)
	}

	if diff := cmp.Diff([]string{"a", "b"}, res.Lines()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func Test_Find_Prints_Matching_Documents_When_Filter_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	stdout := c.MustRun("find", "pets", `{"fur": "black", "age": {"$gt": 2}}`)
	if stdout != `{"_id":"p1","age":3,"fur":"black","name":"pypy"}` {
		t.Fatalf("stdout = %s", stdout)
	}
}

func Test_Find_Sorts_Skips_And_Projects_When_Flags_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)
	c.MustRun("index", "pets", "age")

	stdout := c.MustRun("find", "pets", "--sort", "-age", "--skip", "1", "--limit", "1", "--project", `{"name": 1, "_id": 0}`)
	if stdout != `{"name":"pypy"}` {
		t.Fatalf("stdout = %s, want pypy only", stdout)
	}
}

func Test_Find_Fails_When_Sort_Has_No_Index(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	stderr := c.MustFail("find", "pets", "--sort=name")
	cli.AssertContains(t, stderr, "unsupported sort")
	cli.AssertContains(t, stderr, "collection=pets")
}

func Test_Find_Fails_When_Filter_Is_Not_An_Object(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("find", "pets", `[1, 2]`)
	cli.AssertContains(t, stderr, "want an object")
}

func Test_Dates_Round_Trip_When_Extended_JSON_Used(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.Insert("events", `{"_id": "e1", "at": {"$date": "2026-01-02T03:04:05Z"}, "raw": {"$binary": "AQID"}}`)

	got := c.Find("events", `{"at": {"$gte": {"$date": "2026-01-01T00:00:00Z"}}}`)
	want := []map[string]any{{
		"_id": "e1",
		"at":  map[string]any{"$date": "2026-01-02T03:04:05Z"},
		"raw": map[string]any{"$binary": "AQID"},
	}}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("find mismatch (-want +got):\n%s", diff)
	}
}

func Test_Distinct_Prints_Values_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	stdout := c.MustRun("distinct", "pets", "fur")
	if stdout != "\"black\"\n\"brown\"" {
		t.Fatalf("stdout = %q", stdout)
	}

	stdout = c.MustRun("distinct", "pets", "name", `{"fur": "brown"}`)
	if stdout != `"spike"` {
		t.Fatalf("filtered stdout = %q", stdout)
	}
}

func Test_Update_Reports_Counts_When_Documents_Match(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	stdout := c.MustRun("update", "pets", `{"fur": "black"}`, `{"$inc": {"age": 1}}`, "--many")
	if stdout != "matched=2 modified=2" {
		t.Fatalf("stdout = %q", stdout)
	}

	if got := c.MustRun("find", "pets", `{"_id": "p3"}`, "--project", `{"age": 1}`); got != `{"_id":"p3","age":2}` {
		t.Fatalf("p3 = %s, want age 2", got)
	}

	cli.AssertContains(t, c.Descriptor("pets"), `"age"`)
}

func Test_Update_Warns_When_Nothing_Matches(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	res := c.Run("update", "pets", `{"name": "nobody"}`, `{"$set": {"age": 9}}`)
	if res.Code != 1 {
		t.Fatalf("exit = %d, want 1", res.Code)
	}

	cli.AssertContains(t, res.Stdout, "matched=0 modified=0")
	cli.AssertContains(t, res.Stderr, "warning: no document matched the filter")
}

func Test_Update_Upserts_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("update", "pets", `{"_id": "new", "fur": "grey"}`, `{"$set": {"name": "ghost"}}`, "--upsert")
	cli.AssertContains(t, stdout, "upserted=new")

	got := c.MustRun("find", "pets")
	if got != `{"_id":"new","fur":"grey","name":"ghost"}` {
		t.Fatalf("stored = %s", got)
	}
}

func Test_Update_Fails_When_Operator_Unsupported(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	stderr := c.MustFail("update", "pets", `{}`, `{"$rename": {"name": "title"}}`)
	cli.AssertContains(t, stderr, "unsupported update operator")
}

func Test_Replace_Keeps_Id_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	c.MustRun("replace", "pets", `{"_id": "p2"}`, `{"name": "spike", "toy": "ball"}`)

	got := c.MustRun("find", "pets", `{"_id": "p2"}`)
	if got != `{"_id":"p2","name":"spike","toy":"ball"}` {
		t.Fatalf("replaced = %s", got)
	}
}

func Test_Delete_Reports_Count_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	if got := c.MustRun("delete", "pets", `{"fur": "black"}`); got != "deleted=1" {
		t.Fatalf("delete = %q, want deleted=1", got)
	}

	if got := c.MustRun("delete", "pets", `{}`, "--many"); got != "deleted=2" {
		t.Fatalf("delete --many = %q, want deleted=2", got)
	}
}

func Test_Index_Commands_Manage_Indexes_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)

	name := c.MustRun("index", "pets", "fur", "age:-1")
	if name != "ix_pets_fur_age_desc" {
		t.Fatalf("index name = %q", name)
	}

	list := c.MustRun("indexes", "pets")
	cli.AssertContains(t, list, "_id_ _id unique")
	cli.AssertContains(t, list, "ix_pets_fur_age_desc fur,age:-1")

	c.MustRun("drop-index", "pets", name)
	cli.AssertNotContains(t, c.MustRun("indexes", "pets"), name)

	stderr := c.MustFail("index", "pets", "fur:2")
	cli.AssertContains(t, stderr, "must be 1 or -1")
}

func Test_Unique_Index_Rejects_Duplicates_When_Inserting(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("index", "users", "email", "--unique")
	c.Insert("users", `{"_id": "u1", "email": "a@example.com"}`)

	res := c.Run("insert", "users", `{"_id": "u2", "email": "a@example.com"}`)
	if res.Code == 0 {
		t.Fatalf("duplicate insert succeeded: %s", res.Stdout)
	}

	cli.AssertContains(t, res.Stderr, "duplicate key")
}

func Test_Locked_Mode_Rejects_Unknown_Columns_When_Updating(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedPets(t, c)
	c.MustRun("index", "pets", "fur")

	stderr := c.MustFail("--mode", "locked", "update", "pets", `{"_id": "p1"}`, `{"$inc": {"visits": 1}}`)
	cli.AssertContains(t, stderr, "schema violation")

	// Known columns keep working.
	c.MustRun("--mode=locked", "update", "pets", `{"_id": "p1"}`, `{"$set": {"fur": "white"}}`)

	c.Env["DOCSQL_LOCKED"] = "1"
	c.MustFail("index", "pets", "name")
}

func Test_Collections_Lists_Described_Collections_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("index", "pets", "fur")
	c.MustRun("index", "owners", "name")

	if got := c.MustRun("collections"); got != "owners\npets" {
		t.Fatalf("collections = %q", got)
	}
}

func Test_Stats_Prints_Counters_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("stats")

	cli.AssertContains(t, stdout, "docsql_writes_total 0")
}

func Test_Print_Config_Shows_Sources_When_Files_Present(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".docsql.json", `{
		// comments are allowed
		"database": "data/app.db",
	}`)
	c.WriteFile(".env", "DOCSQL_MODE=locked\n")

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, `"database": "data/app.db"`)
	cli.AssertContains(t, stdout, `"mode": "locked"`)
	cli.AssertContains(t, stdout, "#   database: "+filepath.Join(c.Dir, "data", "app.db"))
	cli.AssertContains(t, stdout, "#   project: "+filepath.Join(c.Dir, ".docsql.json"))
	cli.AssertContains(t, stdout, "#   dotenv: "+filepath.Join(c.Dir, ".env"))
}

func Test_Print_Config_Flag_Overrides_Win_When_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("custom.json", `{"metadata_dir": "from-file", "log_format": "json"}`)
	c.Env["DOCSQL_METADATA_DIR"] = "from-env"

	stdout := c.MustRun("-c", "custom.json", "--metadata-dir=from-flag", "print-config")

	cli.AssertContains(t, stdout, `"metadata_dir": "from-flag"`)
	cli.AssertContains(t, stdout, `"log_format": "json"`)
}

func Test_Print_Config_Fails_When_Explicit_File_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--config", "missing.json", "print-config")

	cli.AssertContains(t, stderr, "config file not found")
}

func Test_Shell_Runs_Commands_From_Stdin_When_Not_A_Terminal(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	script := strings.Join([]string{
		`# seed`,
		`insert pets {"_id": "p1", "name": "py py", "fur": "black"}`,
		`index pets fur`,
		`update pets {"fur": "black"} '{"$set": {"age": 4}}'`,
		`find pets {"fur": "black"}`,
		`exit`,
		`count pets`,
	}, "\n")

	res := c.Pipe(script, "shell")
	if res.Code != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.Code, res.Stderr)
	}

	cli.AssertContains(t, res.Stdout, "p1\n")
	cli.AssertContains(t, res.Stdout, "ix_pets_fur\n")
	cli.AssertContains(t, res.Stdout, `{"_id":"p1","age":4,"fur":"black","name":"py py"}`)
	cli.AssertNotContains(t, res.Stdout, "\n1\n")
}

func Test_Shell_Fails_When_A_Command_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	res := c.Pipe("find pets {\"a\":\nnope\ncount pets\n", "shell")
	if res.Code != 1 {
		t.Fatalf("exit = %d, want 1", res.Code)
	}

	cli.AssertContains(t, res.Stderr, "unterminated")
	cli.AssertContains(t, res.Stderr, "unknown command: nope")
	cli.AssertContains(t, res.Stderr, "2 command(s) failed")
}
