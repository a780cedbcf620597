package sessionorm

import (
	"strings"

	"github.com/pkg/errors"
)

type mysqlStore struct {
	db *dbImplementation
}

func (s *mysqlStore) GetCode() string {
	return s.db.GetConfig().GetCode()
}

func (s *mysqlStore) Begin(ctx Context, isolation Isolation, readOnly bool) (StoreTransaction, error) {
	tx, err := s.db.Begin(ctx, isolation, readOnly)
	if err != nil {
		return nil, err
	}
	return &mysqlStoreTransaction{tx: tx, isolation: isolation}, nil
}

func (s *mysqlStore) CreateTable(ctx Context, schema *entitySchema) error {
	definitions := make([]string, 0, len(schema.columns)+1)
	for _, c := range schema.columns {
		if c.name == "ID" {
			definitions = append(definitions, "`ID` bigint unsigned NOT NULL AUTO_INCREMENT")
			continue
		}
		definitions = append(definitions, c.mysqlDefinition())
	}
	definitions = append(definitions, "PRIMARY KEY (`ID`)")
	query := "CREATE TABLE IF NOT EXISTS `" + schema.tableName + "` (" + strings.Join(definitions, ", ") +
		") ENGINE=InnoDB DEFAULT CHARSET=" + s.db.config.GetOptions().DefaultEncoding
	_, err := s.db.Exec(ctx, query)
	return err
}

func (s *mysqlStore) DropTable(ctx Context, schema *entitySchema) error {
	_, err := s.db.Exec(ctx, "DROP TABLE IF EXISTS `"+schema.tableName+"`")
	return err
}

func (s *mysqlStore) TruncateTable(ctx Context, schema *entitySchema) error {
	_, err := s.db.Exec(ctx, "TRUNCATE TABLE `"+schema.tableName+"`")
	return err
}

type mysqlStoreTransaction struct {
	tx        DBTransaction
	isolation Isolation
}

func (t *mysqlStoreTransaction) Isolation() Isolation {
	return t.isolation
}

func (t *mysqlStoreTransaction) ReadRow(ctx Context, schema *entitySchema, id uint64) (Bind, bool, error) {
	query := "SELECT " + quoteColumns(schema.columnNames) + " FROM `" + schema.tableName + "` WHERE `ID` = ? LIMIT 1"
	rows, err := t.query(ctx, schema, query, id)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (t *mysqlStoreTransaction) UpdateRow(ctx Context, schema *entitySchema, id uint64, values Bind) error {
	if len(values) == 0 {
		return nil
	}
	columns := values.keys()
	sets := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+1)
	for _, name := range columns {
		if name == "ID" {
			continue
		}
		sets = append(sets, "`"+name+"` = ?")
		args = append(args, values[name])
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := "UPDATE `" + schema.tableName + "` SET " + strings.Join(sets, ", ") + " WHERE `ID` = ?"
	res, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrStaleWriteConflict, "%s with ID %d no longer exists", schema.name, id)
	}
	return nil
}

func (t *mysqlStoreTransaction) InsertRow(ctx Context, schema *entitySchema, values Bind) (uint64, error) {
	columns := values.keys()
	names := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, name := range columns {
		if name == "ID" && values[name] == uint64(0) {
			continue
		}
		names = append(names, name)
		args = append(args, values[name])
	}
	query := "INSERT INTO `" + schema.tableName + "` () VALUES ()"
	if len(names) > 0 {
		query = "INSERT INTO `" + schema.tableName + "`(" + quoteColumns(names) + ") VALUES (" +
			strings.TrimSuffix(strings.Repeat("?,", len(names)), ",") + ")"
	}
	res, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *mysqlStoreTransaction) DeleteRow(ctx Context, schema *entitySchema, id uint64) error {
	res, err := t.tx.Exec(ctx, "DELETE FROM `"+schema.tableName+"` WHERE `ID` = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrStaleWriteConflict, "%s with ID %d no longer exists", schema.name, id)
	}
	return nil
}

func (t *mysqlStoreTransaction) Select(ctx Context, schema *entitySchema, fields []string, criteria []Condition) ([]Bind, error) {
	if len(fields) == 0 {
		fields = schema.columnNames
	}
	query := "SELECT " + quoteColumns(fields) + " FROM `" + schema.tableName + "`"
	args := make([]any, 0, len(criteria))
	if len(criteria) > 0 {
		conditions := make([]string, len(criteria))
		for i, c := range criteria {
			if c.Value == nil {
				conditions[i] = "`" + c.Field + "` IS NULL"
				continue
			}
			conditions[i] = "`" + c.Field + "` = ?"
			args = append(args, c.Value)
		}
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY `ID`"
	return t.query(ctx, schema, query, args...)
}

func (t *mysqlStoreTransaction) Native(ctx Context, schema *entitySchema, query *Where) ([]Bind, error) {
	return t.query(ctx, schema, query.String(), query.GetParameters()...)
}

func (t *mysqlStoreTransaction) Commit(ctx Context) error {
	return t.tx.Commit(ctx)
}

func (t *mysqlStoreTransaction) Rollback(ctx Context) error {
	return t.tx.Rollback(ctx)
}

func (t *mysqlStoreTransaction) query(ctx Context, schema *entitySchema, query string, args ...any) ([]Bind, error) {
	rows, closeRows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer closeRows()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	mapped := make([]*column, len(columns))
	for i, name := range columns {
		for _, c := range schema.columns {
			if strings.EqualFold(c.name, name) {
				mapped[i] = c
				columns[i] = c.name
				break
			}
		}
	}
	results := make([]Bind, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err = rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(Bind, len(columns))
		for i, name := range columns {
			value := values[i]
			if mapped[i] != nil {
				value, err = mapped[i].normalize(value)
				if err != nil {
					return nil, err
				}
			} else if asBytes, isBytes := value.([]byte); isBytes {
				value = string(asBytes)
			}
			row[name] = value
		}
		results = append(results, row)
	}
	if err = rows.Err(); err != nil {
		return nil, storeError(err)
	}
	return results, nil
}

func quoteColumns(columns []string) string {
	return "`" + strings.Join(columns, "`,`") + "`"
}
