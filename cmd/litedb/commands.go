package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/sqlite"
)

// stdout is where command output goes.
var stdout io.Writer = os.Stdout

func addCommands(parser *flags.Parser) {
	mustAddCmd(parser.Command, "tables", "List user tables", `
List the user tables of the database, sorted by name.
`, &cmdTables{})
	mustAddCmd(parser.Command, "columns", "Describe the columns of a table", `
List each column of a table with its declared type, the driver type it
resolves to, and its NOT NULL, primary key and default settings.
`, &cmdColumns{})
	mustAddCmd(parser.Command, "version", "Read or set the schema version", `
Print the schema version (PRAGMA user_version) of the database. With --set,
store a new version instead. Setting the version runs in maintenance mode.
`, &cmdVersion{})
	mustAddCmd(parser.Command, "query", "Run a query and print its rows", `
Run a query and print the rows of its first result set.

Parameters are bound by name with --param:
>    litedb query "SELECT * FROM users WHERE id = @id" --param id=12

Columns holding encrypted values can be decrypted with --decrypt, given
--key or LITEDB_CRYPTO_KEY:
>    litedb --key "$KEY" query "SELECT name, card FROM wallet" --decrypt card

Results can be output as a table or as YAML with --format.
`, &cmdQuery{})
	mustAddCmd(parser.Command, "exec", "Run statements and report the rows changed", `
Run every statement of a script and print the number of records affected
and the last inserted rowid.
`, &cmdExec{})
	mustAddCmd(parser.Command, "backup", "Copy the database to another file", `
Copy the database online into another file, a number of pages at a time,
logging progress as it goes. The destination file is created if missing and
overwritten otherwise.
`, &cmdBackup{})
}

func mustAddCmd(cmd *flags.Command, name, short, long string, data interface{}) *flags.Command {
	c, err := cmd.AddCommand(name, short, long, data)
	Must(err, "failed to add command", "name", name)
	return c
}

type cmdTables struct{}

func (cmd *cmdTables) Execute([]string) error {
	startup()
	return withConnection(func(ctx context.Context, conn *sqlite.Connection) error {
		tables, err := conn.Tables(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Fprintln(stdout, t)
		}
		return nil
	})
}

type cmdColumns struct {
	Args struct {
		Table string `positional-arg-name:"TABLE" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdColumns) Execute([]string) error {
	startup()
	return withConnection(func(ctx context.Context, conn *sqlite.Connection) error {
		return writeColumns(ctx, conn, cmd.Args.Table)
	})
}

func writeColumns(ctx context.Context, conn *sqlite.Connection, table string) error {
	cols, err := conn.ColumnsContext(ctx, table)
	if err != nil {
		return err
	}
	if cols == nil {
		return fmt.Errorf("table %q does not exist", table)
	}
	rows := make([][]string, len(cols))
	for i, c := range cols {
		rows[i] = []string{
			fmt.Sprintf("%d", c.ID),
			c.Name,
			c.DeclaredType,
			c.DataType.String(),
			fmt.Sprintf("%v", c.NotNull),
			fmt.Sprintf("%v", c.PrimaryKey),
			formatValue(c.Default),
		}
	}
	writeTable(stdout, []string{"ID", "Name", "Declared", "Type", "Not Null", "PK", "Default"}, rows)
	return nil
}

type cmdVersion struct {
	Set int64 `long:"set" default:"-1" description:"Store this schema version instead of printing it"`
}

func (cmd *cmdVersion) Execute([]string) error {
	startup()
	return withConnection(func(ctx context.Context, conn *sqlite.Connection) error {
		if cmd.Set >= 0 {
			if err := conn.SetSchemaVersionContext(ctx, cmd.Set); err != nil {
				return err
			}
			log.WithField("version", cmd.Set).Info("schema version updated")
		}
		v, err := conn.SchemaVersionContext(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, v)
		return nil
	})
}

// paramFlags are --param name=value pairs.
type paramFlags struct {
	Params []string `long:"param" short:"p" description:"Bind a parameter, as name=value (repeatable)"`
}

func (p paramFlags) bind(cmd *sqlite.Command) error {
	for _, kv := range p.Params {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("parameter %q is not of the form name=value", kv)
		}
		if _, err := cmd.Parameters().AddWithValue(strings.TrimSpace(name), value); err != nil {
			return err
		}
	}
	return nil
}

type cmdQuery struct {
	paramFlags
	Format  string   `long:"format" short:"o" default:"table" choice:"table" choice:"yaml" description:"Output format"`
	Decrypt []string `long:"decrypt" description:"Decrypt the named column (repeatable)"`
	Args    struct {
		SQL string `positional-arg-name:"SQL" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdQuery) Execute([]string) error {
	startup()
	return withConnection(func(ctx context.Context, conn *sqlite.Connection) error {
		return cmd.run(ctx, conn)
	})
}

func (cmd *cmdQuery) run(ctx context.Context, conn *sqlite.Connection) error {
	c := conn.CreateCommand(cmd.Args.SQL)
	defer c.Dispose()
	if err := cmd.bind(c); err != nil {
		return err
	}
	r, err := c.ExecuteReaderContext(ctx, sqlite.BehaviorSingleResult)
	if err != nil {
		return err
	}
	defer r.Close()

	decrypt := make(map[string]bool, len(cmd.Decrypt))
	for _, name := range cmd.Decrypt {
		decrypt[strings.ToLower(name)] = true
	}

	var result resultSet
	for i := 0; i < r.FieldCount(); i++ {
		name, err := r.ColumnName(i)
		if err != nil {
			return err
		}
		result.columns = append(result.columns, name)
	}
	for {
		ok, err := r.ReadContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		row := make([]any, r.FieldCount())
		for i := range row {
			if decrypt[strings.ToLower(result.columns[i])] {
				row[i], err = sqlite.GetDecrypted[any](r, i, sqlite.DbNullReturnDefault)
			} else {
				row[i], err = r.GetValue(i)
			}
			if err != nil {
				return err
			}
		}
		result.rows = append(result.rows, row)
	}

	log.WithField("rows", len(result.rows)).Debug("query complete")
	if cmd.Format == "yaml" {
		return writeYAML(stdout, result)
	}
	writeTable(stdout, result.columns, result.stringRows())
	return nil
}

type cmdExec struct {
	paramFlags
	Args struct {
		SQL string `positional-arg-name:"SQL" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdExec) Execute([]string) error {
	startup()
	return withConnection(func(ctx context.Context, conn *sqlite.Connection) error {
		return cmd.run(ctx, conn)
	})
}

func (cmd *cmdExec) run(ctx context.Context, conn *sqlite.Connection) error {
	c := conn.CreateCommand(cmd.Args.SQL)
	defer c.Dispose()
	if err := cmd.bind(c); err != nil {
		return err
	}
	res, err := c.ExecuteResultContext(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s affected", humanize.Comma(int64(res.RecordsAffected)))
	if res.LastInsertRowID >= 0 {
		fmt.Fprintf(stdout, ", last rowid %d", res.LastInsertRowID)
	}
	fmt.Fprintln(stdout)
	return nil
}

type cmdBackup struct {
	Pages int           `long:"pages" default:"256" description:"Pages copied per step; negative copies everything at once"`
	Retry time.Duration `long:"retry" default:"50ms" description:"Wait between steps that hit a locked database"`
	Args  struct {
		Dest string `positional-arg-name:"DEST" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdBackup) Execute([]string) error {
	startup()
	return withConnection(func(ctx context.Context, conn *sqlite.Connection) error {
		return cmd.run(ctx, conn)
	})
}

func (cmd *cmdBackup) run(ctx context.Context, src *sqlite.Connection) error {
	pageSize, err := sqlite.ExecuteScalarAs[int64](ctx, src.CreateCommand("PRAGMA page_size"), sqlite.DbNullThrow)
	if err != nil {
		return err
	}
	dst, err := openConnection(ctx, cmd.Args.Dest)
	if err != nil {
		return err
	}
	defer dst.Dispose()

	started := time.Now()
	progress := func(_ *sqlite.Connection, _ string, _ *sqlite.Connection, _ string, pages, remaining, total int, retry bool) bool {
		log.WithFields(log.Fields{
			"copied": humanize.Bytes(uint64(total-remaining) * uint64(pageSize)),
			"total":  humanize.Bytes(uint64(total) * uint64(pageSize)),
			"retry":  retry,
		}).Info("backup progress")
		return true
	}
	if err := src.BackupContext(ctx, dst, "main", "main", cmd.Pages, progress, cmd.Retry); err != nil {
		return err
	}

	pages, err := sqlite.ExecuteScalarAs[int64](ctx, dst.CreateCommand("PRAGMA page_count"), sqlite.DbNullThrow)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "backed up %s to %s in %s\n", humanize.Bytes(uint64(pages*pageSize)), dst.DataSource(),
		time.Since(started).Round(time.Millisecond))
	return nil
}
