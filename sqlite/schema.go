package sqlite

import (
	"context"
	"fmt"
	"strings"
)

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	ID           int
	Name         string
	DeclaredType string
	DataType     DbType
	NotNull      bool
	PrimaryKey   bool
	Default      any
}

const invalidTableNameChars = `';/\[]`

// checkTableName trims name, strips one layer of [bracket] quoting and
// rejects characters that could escape the identifier.
func checkTableName(name string) (string, error) {
	result := strings.TrimSpace(name)
	if result == "" {
		return "", NewConfigurationError(ErrInvalidTableName, "the table name must not be blank")
	}
	if strings.HasPrefix(result, "[") || strings.HasSuffix(result, "]") {
		if !strings.HasPrefix(result, "[") || !strings.HasSuffix(result, "]") || len(result) <= 2 {
			return "", NewConfigurationError(ErrInvalidTableName, "The specified table name does not appear to be valid.")
		}
		result = result[1 : len(result)-1]
	}
	if strings.ContainsAny(result, invalidTableNameChars) {
		return "", NewConfigurationError(ErrInvalidTableName, "The specified table name contains invalid characters.")
	}
	return result, nil
}

func (c *Connection) TableExists(name string) (bool, error) {
	return c.TableExistsContext(context.Background(), name)
}

// TableExistsContext reports whether a table named name exists. It opens the
// connection if it is closed.
func (c *Connection) TableExistsContext(ctx context.Context, name string) (bool, error) {
	name, err := checkTableName(name)
	if err != nil {
		return false, err
	}
	if err := c.SafeOpen(); err != nil {
		return false, err
	}
	v, err := c.execScalar(ctx,
		fmt.Sprintf("SELECT name FROM sqlite_master WHERE type='table' AND name='%s';", name),
		c.handle.InMaintenance())
	if err != nil {
		return false, err
	}
	found, _ := v.(string)
	return found == name, nil
}

func (c *Connection) Columns(table string) ([]ColumnInfo, error) {
	return c.ColumnsContext(context.Background(), table)
}

// ColumnsContext lists the columns of table in declaration order. It returns
// nil if the table does not exist.
func (c *Connection) ColumnsContext(ctx context.Context, table string) ([]ColumnInfo, error) {
	table, err := checkTableName(table)
	if err != nil {
		return nil, err
	}
	exists, err := c.TableExistsContext(ctx, table)
	if err != nil || !exists {
		return nil, err
	}

	cmd := c.commandFor(fmt.Sprintf("pragma table_info(%s);", table), c.handle.InMaintenance(), c.currentTransaction())
	defer cmd.Dispose()
	r, err := cmd.ExecuteReaderContext(ctx, BehaviorDefault)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	columns := []ColumnInfo{}
	for {
		ok, err := r.ReadContext(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		col, err := scanColumnInfo(r)
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)
	}
	return columns, nil
}

func scanColumnInfo(r *DataReader) (ColumnInfo, error) {
	var col ColumnInfo
	id, err := r.GetInt32ByName("cid")
	if err != nil {
		return col, err
	}
	col.ID = int(id)
	if col.Name, err = r.GetStringByName("name"); err != nil {
		return col, err
	}
	if col.DeclaredType, err = r.GetStringByName("type"); err != nil {
		return col, err
	}
	if col.DataType, err = ResolveDeclaredType(col.DeclaredType); err != nil {
		return col, err
	}
	if col.NotNull, err = r.GetBoolByName("notnull"); err != nil {
		return col, err
	}
	if col.PrimaryKey, err = r.GetBoolByName("pk"); err != nil {
		return col, err
	}
	col.Default, err = r.GetValueByName("dflt_value")
	return col, err
}

func (c *Connection) SchemaVersion() (int64, error) {
	return c.SchemaVersionContext(context.Background())
}

// SchemaVersionContext reads PRAGMA user_version and leaves the connection
// open or closed as it found it.
func (c *Connection) SchemaVersionContext(ctx context.Context) (version int64, err error) {
	wasClosed := c.State() == StateClosed
	if err := c.SafeOpen(); err != nil {
		return 0, err
	}
	if wasClosed {
		defer func() {
			if cerr := c.SafeClose(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}
	v, err := c.execScalar(ctx, "PRAGMA user_version;", c.handle.InMaintenance())
	if err != nil {
		return 0, err
	}
	return convertTo[int64](v)
}

func (c *Connection) SetSchemaVersion(version int64) error {
	return c.SetSchemaVersionContext(context.Background(), version)
}

// SetSchemaVersionContext writes PRAGMA user_version in maintenance mode and
// leaves the connection open or closed as it found it.
func (c *Connection) SetSchemaVersionContext(ctx context.Context, version int64) error {
	wasClosed := c.State() == StateClosed
	if err := c.SafeOpen(); err != nil {
		return err
	}
	if err := c.handle.BeginMaintenance(); err != nil {
		return err
	}
	_, err := c.execNonQuery(ctx, fmt.Sprintf("PRAGMA user_version = %d;", version), true, c.currentTransaction())
	if wasClosed {
		if cerr := c.SafeClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if eerr := c.handle.EndMaintenance(); eerr != nil && err == nil {
		err = eerr
	}
	return err
}

// Tables lists the user tables of the main schema in name order.
func (c *Connection) Tables(ctx context.Context) ([]string, error) {
	if err := c.SafeOpen(); err != nil {
		return nil, err
	}
	cmd := c.commandFor("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name;",
		c.handle.InMaintenance(), c.currentTransaction())
	defer cmd.Dispose()
	r, err := cmd.ExecuteReaderContext(ctx, BehaviorDefault)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var tables []string
	for {
		ok, err := r.ReadContext(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return tables, nil
		}
		name, err := r.GetString(0)
		if err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
}
