// Package contract loads declarative projector contracts. A contract
// binds a projector key to a storage table schema and, optionally, to
// the event types whose payloads feed that table. Loaders turn
// contracts into ready projectors, provisioning the target schema on
// the way.
package contract

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/viewmill/viewmill/internal/event"
	apperrors "github.com/viewmill/viewmill/internal/platform/errors"
	"github.com/viewmill/viewmill/internal/projection/storage"
)

// ErrContractInvalid marks a contract that failed parsing or validation.
var ErrContractInvalid = apperrors.New(apperrors.CodeContractInvalid, "projection contract is invalid")

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// columnTypeAliases maps accepted spellings to the canonical column types.
var columnTypeAliases = map[string]string{
	"text":      "text",
	"string":    "text",
	"varchar":   "text",
	"integer":   "integer",
	"int":       "integer",
	"bigint":    "integer",
	"real":      "real",
	"float":     "real",
	"double":    "real",
	"blob":      "blob",
	"bytes":     "blob",
	"binary":    "blob",
	"boolean":   "boolean",
	"bool":      "boolean",
	"timestamp": "timestamp",
	"datetime":  "timestamp",
}

// Contract is one parsed projector contract.
type Contract struct {
	Projector ProjectorSpec `yaml:"projector"`
	Schema    SchemaSpec    `yaml:"schema"`
	Ordering  OrderingSpec  `yaml:"ordering"`
	Events    []EventSpec   `yaml:"events"`
}

// ProjectorSpec names the projector and its target table.
type ProjectorSpec struct {
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
	Table  string `yaml:"table"`
}

// SchemaSpec declares the target table columns and secondary indexes.
type SchemaSpec struct {
	Columns []ColumnSpec `yaml:"columns"`
	Indexes []IndexSpec  `yaml:"indexes"`
}

// ColumnSpec declares one column of the target table.
type ColumnSpec struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key"`
}

// IndexSpec declares one secondary index over declared columns.
type IndexSpec struct {
	Columns []string `yaml:"columns"`
}

// OrderingSpec names the entity and sequence columns used for the
// per-entity watermark.
type OrderingSpec struct {
	EntityIDColumn string `yaml:"entity_id_column"`
	SequenceColumn string `yaml:"sequence_column"`
}

// EventSpec declares one event type that feeds this projector.
type EventSpec struct {
	Type             string   `yaml:"type"`
	SchemaVersion    string   `yaml:"schema_version"`
	ProducerProtocol string   `yaml:"producer_protocol"`
	PartitionKeys    []string `yaml:"partition_keys"`
	Fields           []string `yaml:"fields"`
}

// Parse decodes and validates a contract document. Unknown YAML fields
// are rejected so typos fail loudly instead of silently dropping config.
func Parse(data []byte) (Contract, error) {
	var c Contract
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil {
		return Contract{}, apperrors.Wrap(apperrors.CodeContractInvalid, "parse contract", err)
	}
	normalized, err := c.normalize()
	if err != nil {
		return Contract{}, err
	}
	return normalized, nil
}

// Load reads and parses the contract at path. A missing file surfaces
// the underlying not-found error, distinguishable via errors.Is with
// fs.ErrNotExist.
func Load(path string) (Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Contract{}, fmt.Errorf("read contract %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Contract{}, fmt.Errorf("contract %s: %w", path, err)
	}
	return c, nil
}

func (c Contract) normalize() (Contract, error) {
	normalized := c
	normalized.Projector.Name = strings.TrimSpace(c.Projector.Name)
	normalized.Projector.Domain = strings.TrimSpace(c.Projector.Domain)
	normalized.Projector.Table = strings.TrimSpace(c.Projector.Table)
	normalized.Ordering.EntityIDColumn = strings.TrimSpace(c.Ordering.EntityIDColumn)
	normalized.Ordering.SequenceColumn = strings.TrimSpace(c.Ordering.SequenceColumn)

	if normalized.Projector.Name == "" {
		return Contract{}, fmt.Errorf("%w: projector name is required", ErrContractInvalid)
	}
	if !identifierPattern.MatchString(normalized.Projector.Name) {
		return Contract{}, fmt.Errorf("%w: projector name %q is not identifier-safe", ErrContractInvalid, normalized.Projector.Name)
	}
	if normalized.Projector.Domain == "" {
		return Contract{}, fmt.Errorf("%w: projector domain is required", ErrContractInvalid)
	}
	if normalized.Projector.Table == "" {
		return Contract{}, fmt.Errorf("%w: projector table is required", ErrContractInvalid)
	}
	if !identifierPattern.MatchString(normalized.Projector.Table) {
		return Contract{}, fmt.Errorf("%w: table name %q is not identifier-safe", ErrContractInvalid, normalized.Projector.Table)
	}
	if len(c.Schema.Columns) == 0 {
		return Contract{}, fmt.Errorf("%w: schema declares no columns", ErrContractInvalid)
	}
	if normalized.Ordering.EntityIDColumn == "" {
		return Contract{}, fmt.Errorf("%w: ordering entity_id_column is required", ErrContractInvalid)
	}
	if normalized.Ordering.SequenceColumn == "" {
		return Contract{}, fmt.Errorf("%w: ordering sequence_column is required", ErrContractInvalid)
	}

	columns := make([]ColumnSpec, 0, len(c.Schema.Columns))
	declared := make(map[string]ColumnSpec, len(c.Schema.Columns))
	for _, col := range c.Schema.Columns {
		name := strings.TrimSpace(col.Name)
		if name == "" {
			return Contract{}, fmt.Errorf("%w: column name is required", ErrContractInvalid)
		}
		if !identifierPattern.MatchString(name) {
			return Contract{}, fmt.Errorf("%w: column name %q is not identifier-safe", ErrContractInvalid, name)
		}
		if _, dup := declared[name]; dup {
			return Contract{}, fmt.Errorf("%w: duplicate column %q", ErrContractInvalid, name)
		}
		columnType, ok := columnTypeAliases[strings.ToLower(strings.TrimSpace(col.Type))]
		if !ok {
			return Contract{}, fmt.Errorf("%w: column %q has unknown type %q", ErrContractInvalid, name, col.Type)
		}
		spec := ColumnSpec{Name: name, Type: columnType, PrimaryKey: col.PrimaryKey}
		columns = append(columns, spec)
		declared[name] = spec
	}
	normalized.Schema.Columns = columns

	entity, ok := declared[normalized.Ordering.EntityIDColumn]
	if !ok {
		return Contract{}, fmt.Errorf("%w: entity column %q is not declared", ErrContractInvalid, normalized.Ordering.EntityIDColumn)
	}
	if !entity.PrimaryKey {
		return Contract{}, fmt.Errorf("%w: entity column %q must be a primary key", ErrContractInvalid, entity.Name)
	}
	// Upserts conflict on the entity column alone, so it must be the
	// whole primary key.
	for _, col := range columns {
		if col.PrimaryKey && col.Name != entity.Name {
			return Contract{}, fmt.Errorf("%w: column %q must not be a primary key; entity column %q is the sole key", ErrContractInvalid, col.Name, entity.Name)
		}
	}
	sequence, ok := declared[normalized.Ordering.SequenceColumn]
	if !ok {
		return Contract{}, fmt.Errorf("%w: sequence column %q is not declared", ErrContractInvalid, normalized.Ordering.SequenceColumn)
	}
	if sequence.Type != "integer" {
		return Contract{}, fmt.Errorf("%w: sequence column %q must be integer", ErrContractInvalid, sequence.Name)
	}

	for _, index := range c.Schema.Indexes {
		if len(index.Columns) == 0 {
			return Contract{}, fmt.Errorf("%w: index declares no columns", ErrContractInvalid)
		}
		for _, name := range index.Columns {
			if _, ok := declared[strings.TrimSpace(name)]; !ok {
				return Contract{}, fmt.Errorf("%w: index column %q is not declared", ErrContractInvalid, name)
			}
		}
	}

	if len(c.Events) > 0 {
		if _, err := event.NewRegistry(normalized.Definitions()...); err != nil {
			return Contract{}, fmt.Errorf("%w: events: %v", ErrContractInvalid, err)
		}
	}

	return normalized, nil
}

// Key returns the stable projector key this contract binds.
func (c Contract) Key() string {
	return c.Projector.Name
}

// Table maps the contract schema onto the storage declaration consumed
// by a ContractSchemaStore.
func (c Contract) Table() storage.ContractTable {
	columns := make([]storage.ContractColumn, 0, len(c.Schema.Columns))
	for _, col := range c.Schema.Columns {
		columns = append(columns, storage.ContractColumn{
			Name:       col.Name,
			Type:       col.Type,
			PrimaryKey: col.PrimaryKey,
		})
	}
	return storage.ContractTable{
		Name:           c.Projector.Table,
		EntityColumn:   c.Ordering.EntityIDColumn,
		SequenceColumn: c.Ordering.SequenceColumn,
		Columns:        columns,
	}
}

// Indexes maps the declared secondary indexes onto storage declarations.
func (c Contract) Indexes() []storage.ContractIndex {
	indexes := make([]storage.ContractIndex, 0, len(c.Schema.Indexes))
	for _, index := range c.Schema.Indexes {
		columns := make([]string, 0, len(index.Columns))
		for _, name := range index.Columns {
			columns = append(columns, strings.TrimSpace(name))
		}
		indexes = append(indexes, storage.ContractIndex{Columns: columns})
	}
	return indexes
}

// Definitions maps the optional events section onto event registry
// definitions. The topic is fixed to the event type.
func (c Contract) Definitions() []event.Definition {
	defs := make([]event.Definition, 0, len(c.Events))
	for _, spec := range c.Events {
		defs = append(defs, event.Definition{
			Type:             event.Type(strings.TrimSpace(spec.Type)),
			SchemaVersion:    strings.TrimSpace(spec.SchemaVersion),
			ProducerProtocol: strings.TrimSpace(spec.ProducerProtocol),
			PartitionKeys:    spec.PartitionKeys,
			Fields:           spec.Fields,
		})
	}
	return defs
}
