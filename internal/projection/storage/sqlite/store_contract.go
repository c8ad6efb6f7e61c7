package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sqlitemigrate "github.com/viewmill/viewmill/internal/platform/storage/sqlitemigrate"
	"github.com/viewmill/viewmill/internal/projection/storage"
)

// Contract table and column names are spliced into SQL text, so only names
// matching this pattern are accepted.
var contractIdentifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func contractColumnSQLType(columnType string) (string, error) {
	switch columnType {
	case "text":
		return "TEXT", nil
	case "integer":
		return "INTEGER", nil
	case "real":
		return "REAL", nil
	case "blob":
		return "BLOB", nil
	case "boolean":
		return "INTEGER", nil
	case "timestamp":
		return "INTEGER", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", columnType)
	}
}

func validateContractTable(tbl storage.ContractTable) error {
	if !contractIdentifierPattern.MatchString(tbl.Name) {
		return fmt.Errorf("invalid contract table name %q", tbl.Name)
	}
	if !contractIdentifierPattern.MatchString(tbl.EntityColumn) {
		return fmt.Errorf("invalid entity column name %q", tbl.EntityColumn)
	}
	if !contractIdentifierPattern.MatchString(tbl.SequenceColumn) {
		return fmt.Errorf("invalid sequence column name %q", tbl.SequenceColumn)
	}
	if len(tbl.Columns) == 0 {
		return fmt.Errorf("contract table %s declares no columns", tbl.Name)
	}

	seen := make(map[string]storage.ContractColumn, len(tbl.Columns))
	for _, col := range tbl.Columns {
		if !contractIdentifierPattern.MatchString(col.Name) {
			return fmt.Errorf("invalid column name %q in table %s", col.Name, tbl.Name)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("duplicate column %s in table %s", col.Name, tbl.Name)
		}
		if _, err := contractColumnSQLType(col.Type); err != nil {
			return fmt.Errorf("column %s in table %s: %w", col.Name, tbl.Name, err)
		}
		seen[col.Name] = col
	}

	entity, ok := seen[tbl.EntityColumn]
	if !ok {
		return fmt.Errorf("entity column %s is not declared in table %s", tbl.EntityColumn, tbl.Name)
	}
	if !entity.PrimaryKey {
		return fmt.Errorf("entity column %s must be a primary key in table %s", tbl.EntityColumn, tbl.Name)
	}
	// The upsert conflicts on the entity column, so a wider primary key
	// would never match.
	for _, col := range tbl.Columns {
		if col.PrimaryKey && col.Name != tbl.EntityColumn {
			return fmt.Errorf("column %s in table %s must not be a primary key; entity column %s is the sole key", col.Name, tbl.Name, tbl.EntityColumn)
		}
	}
	sequence, ok := seen[tbl.SequenceColumn]
	if !ok {
		return fmt.Errorf("sequence column %s is not declared in table %s", tbl.SequenceColumn, tbl.Name)
	}
	if sequence.Type != "integer" {
		return fmt.Errorf("sequence column %s must be integer in table %s", tbl.SequenceColumn, tbl.Name)
	}
	return nil
}

type liveColumn struct {
	sqlType    string
	primaryKey bool
}

// contractTableInfo inspects the live schema for a table. The boolean
// reports whether the table exists at all.
func (s *Store) contractTableInfo(ctx context.Context, tableName string) (bool, map[string]liveColumn, error) {
	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, nil, fmt.Errorf("inspect table %s: %w", tableName, err)
	}
	defer rows.Close()

	live := make(map[string]liveColumn)
	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, nil, fmt.Errorf("scan table info %s: %w", tableName, err)
		}
		live[name] = liveColumn{sqlType: strings.ToUpper(strings.TrimSpace(colType)), primaryKey: pk > 0}
	}
	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("read table info %s: %w", tableName, err)
	}
	return len(live) > 0, live, nil
}

func validateLiveContractSchema(tbl storage.ContractTable, live map[string]liveColumn) error {
	for _, col := range tbl.Columns {
		actual, ok := live[col.Name]
		if !ok {
			return fmt.Errorf("table %s is missing column %s: %w", tbl.Name, col.Name, storage.ErrSchemaMismatch)
		}
		wantType, err := contractColumnSQLType(col.Type)
		if err != nil {
			return err
		}
		if actual.sqlType != wantType {
			return fmt.Errorf("table %s column %s has type %s, declared %s: %w", tbl.Name, col.Name, actual.sqlType, wantType, storage.ErrSchemaMismatch)
		}
		if actual.primaryKey != col.PrimaryKey {
			return fmt.Errorf("table %s column %s primary key flag differs from declaration: %w", tbl.Name, col.Name, storage.ErrSchemaMismatch)
		}
	}
	if len(live) != len(tbl.Columns) {
		for name := range live {
			declared := false
			for _, col := range tbl.Columns {
				if col.Name == name {
					declared = true
					break
				}
			}
			if !declared {
				return fmt.Errorf("table %s has undeclared column %s: %w", tbl.Name, name, storage.ErrSchemaMismatch)
			}
		}
	}
	return nil
}

func (s *Store) createContractTable(ctx context.Context, tbl storage.ContractTable) error {
	defs := make([]string, 0, len(tbl.Columns)+1)
	primaryKeys := make([]string, 0, 1)
	for _, col := range tbl.Columns {
		sqlType, err := contractColumnSQLType(col.Type)
		if err != nil {
			return err
		}
		def := col.Name + " " + sqlType
		if col.Name == tbl.EntityColumn || col.Name == tbl.SequenceColumn {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if col.PrimaryKey {
			primaryKeys = append(primaryKeys, col.Name)
		}
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(primaryKeys, ", ")+")")

	createSQL := "CREATE TABLE " + tbl.Name + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)"
	if _, err := s.sqlDB.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create contract table %s: %w", tbl.Name, err)
	}
	return nil
}

// EnsureContractTable creates the declared table when absent and validates
// the live schema against the declaration when present. Drift is reported
// as storage.ErrSchemaMismatch; no automatic migration is attempted.
func (s *Store) EnsureContractTable(ctx context.Context, tbl storage.ContractTable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateContractTable(tbl); err != nil {
		return err
	}

	exists, live, err := s.contractTableInfo(ctx, tbl.Name)
	if err != nil {
		return err
	}
	if !exists {
		err := s.createContractTable(ctx, tbl)
		if err == nil {
			return nil
		}
		if !sqlitemigrate.IsAlreadyExistsError(err) {
			return err
		}
		// Lost a create race; validate the winner's schema instead.
		if _, live, err = s.contractTableInfo(ctx, tbl.Name); err != nil {
			return err
		}
	}
	return validateLiveContractSchema(tbl, live)
}

// EnsureContractIndexes creates any declared secondary indexes that are
// missing. Index names derive from the table and column names.
func (s *Store) EnsureContractIndexes(ctx context.Context, tbl storage.ContractTable, indexes []storage.ContractIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateContractTable(tbl); err != nil {
		return err
	}

	declared := make(map[string]bool, len(tbl.Columns))
	for _, col := range tbl.Columns {
		declared[col.Name] = true
	}

	for _, index := range indexes {
		if len(index.Columns) == 0 {
			return fmt.Errorf("index on table %s declares no columns", tbl.Name)
		}
		for _, name := range index.Columns {
			if !declared[name] {
				return fmt.Errorf("index column %s is not declared in table %s", name, tbl.Name)
			}
		}
		indexName := "idx_" + tbl.Name + "_" + strings.Join(index.Columns, "_")
		createSQL := "CREATE INDEX IF NOT EXISTS " + indexName + " ON " + tbl.Name + " (" + strings.Join(index.Columns, ", ") + ")"
		if _, err := s.sqlDB.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("create index %s: %w", indexName, err)
		}
	}
	return nil
}

func contractValueToSQL(col storage.ContractColumn, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch col.Type {
	case "text":
		switch v := value.(type) {
		case string:
			return v, nil
		}
	case "integer":
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case uint64:
			return int64(v), nil
		case float64:
			return int64(v), nil
		}
	case "real":
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case "blob":
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case "timestamp":
		switch v := value.(type) {
		case time.Time:
			return toMillis(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("column %s: parse timestamp %q: %w", col.Name, v, err)
			}
			return toMillis(parsed), nil
		}
	}
	return nil, fmt.Errorf("column %s expects %s, got %T", col.Name, col.Type, value)
}

func contractValueFromSQL(col storage.ContractColumn, raw any) any {
	if raw == nil {
		return nil
	}
	switch col.Type {
	case "boolean":
		if v, ok := raw.(int64); ok {
			return v != 0
		}
	case "timestamp":
		if v, ok := raw.(int64); ok {
			return fromMillis(v)
		}
	case "text":
		if v, ok := raw.([]byte); ok {
			return string(v)
		}
	}
	return raw
}

// PersistContractRow upserts one row of a contract-managed table under the
// same watermark rule as PersistState. Every declared non-ordering column
// is written; values absent from the map become NULL.
func (s *Store) PersistContractRow(ctx context.Context, tbl storage.ContractTable, row storage.RowRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	if err := validateContractTable(tbl); err != nil {
		return false, err
	}
	row.EntityID = strings.TrimSpace(row.EntityID)
	if row.EntityID == "" {
		return false, fmt.Errorf("entity id is required")
	}

	declared := make(map[string]storage.ContractColumn, len(tbl.Columns))
	for _, col := range tbl.Columns {
		declared[col.Name] = col
	}
	for name := range row.Values {
		if name == tbl.EntityColumn || name == tbl.SequenceColumn {
			return false, fmt.Errorf("value for ordering column %s is not allowed in table %s", name, tbl.Name)
		}
		if _, ok := declared[name]; !ok {
			return false, fmt.Errorf("value for undeclared column %s in table %s", name, tbl.Name)
		}
	}

	columns := []string{tbl.EntityColumn, tbl.SequenceColumn}
	args := []any{row.EntityID, int64(row.Sequence)}
	assignments := []string{tbl.SequenceColumn + " = excluded." + tbl.SequenceColumn}
	for _, col := range tbl.Columns {
		if col.Name == tbl.EntityColumn || col.Name == tbl.SequenceColumn {
			continue
		}
		value, err := contractValueToSQL(col, row.Values[col.Name])
		if err != nil {
			return false, fmt.Errorf("persist contract row %s/%s: %w", tbl.Name, row.EntityID, err)
		}
		columns = append(columns, col.Name)
		args = append(args, value)
		assignments = append(assignments, col.Name+" = excluded."+col.Name)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	upsertSQL := "INSERT INTO " + tbl.Name + " (" + strings.Join(columns, ", ") + ")\n" +
		"VALUES (" + placeholders + ")\n" +
		"ON CONFLICT(" + tbl.EntityColumn + ") DO UPDATE SET\n\t" + strings.Join(assignments, ",\n\t") + "\n" +
		"WHERE excluded." + tbl.SequenceColumn + " > " + tbl.Name + "." + tbl.SequenceColumn

	result, err := s.sqlDB.ExecContext(ctx, upsertSQL, args...)
	if err != nil {
		if isConstraintError(err) {
			return false, fmt.Errorf("persist contract row %s/%s: constraint violation: %w", tbl.Name, row.EntityID, err)
		}
		return false, fmt.Errorf("persist contract row %s/%s: %w", tbl.Name, row.EntityID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist contract row rows affected %s/%s: %w", tbl.Name, row.EntityID, err)
	}
	return affected > 0, nil
}

// GetContractRow fetches one row of a contract-managed table or
// storage.ErrNotFound. Boolean and timestamp columns are mapped back to
// their declared value kinds.
func (s *Store) GetContractRow(ctx context.Context, tbl storage.ContractTable, entityID string) (storage.RowRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.RowRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RowRecord{}, fmt.Errorf("storage is not configured")
	}
	if err := validateContractTable(tbl); err != nil {
		return storage.RowRecord{}, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return storage.RowRecord{}, fmt.Errorf("entity id is required")
	}

	columns := make([]string, 0, len(tbl.Columns))
	for _, col := range tbl.Columns {
		columns = append(columns, col.Name)
	}
	querySQL := "SELECT " + strings.Join(columns, ", ") + " FROM " + tbl.Name +
		" WHERE " + tbl.EntityColumn + " = ?"

	raws := make([]any, len(columns))
	dests := make([]any, len(columns))
	for i := range raws {
		dests[i] = &raws[i]
	}
	err := s.sqlDB.QueryRowContext(ctx, querySQL, entityID).Scan(dests...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RowRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RowRecord{}, fmt.Errorf("get contract row %s/%s: %w", tbl.Name, entityID, err)
	}

	row := storage.RowRecord{EntityID: entityID, Values: make(map[string]any, len(columns))}
	for i, col := range tbl.Columns {
		switch col.Name {
		case tbl.EntityColumn:
			continue
		case tbl.SequenceColumn:
			if seq, ok := raws[i].(int64); ok {
				row.Sequence = uint64(seq)
			}
		default:
			row.Values[col.Name] = contractValueFromSQL(col, raws[i])
		}
	}
	return row, nil
}

var _ storage.ContractSchemaStore = (*Store)(nil)
