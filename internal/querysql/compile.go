// Package querysql compiles store pushdown filters to parameterized SQLite.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/queryir"
)

// Columns is the projection every entity query returns, in scan order.
const Columns = "token, kind, seq, version, attributes, relationships"

// stableOrderKey is appended to every multi-row query. seq is insertion
// order; token breaks ties deterministically.
const stableOrderKey = "seq ASC, token COLLATE BINARY ASC"

// SQLCompiler compiles pushdown filters against the entities table.
//
// CRITICAL: all queries include ORDER BY for deterministic results.
// CRITICAL: all values are parameterized, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile returns the SQL and parameters selecting every row of kind that
// satisfies all of filter. Attribute paths are passed as parameters too.
func (c *SQLCompiler) Compile(kind string, filter []queryir.Equals) (string, []any, error) {
	if kind == "" {
		return "", nil, fmt.Errorf("cannot compile query without entity kind")
	}

	where := []string{"kind = ?"}
	params := []any{kind}
	for _, eq := range filter {
		sql, eqParams, err := c.compileEquals(eq)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, sql)
		params = append(params, eqParams...)
	}

	sql := fmt.Sprintf("SELECT %s FROM entities WHERE %s ORDER BY %s",
		Columns,
		strings.Join(where, " AND "),
		stableOrderKey)
	return sql, params, nil
}

// CompileLookup returns the SQL selecting one row by token.
func (c *SQLCompiler) CompileLookup(token string) (string, []any) {
	return fmt.Sprintf("SELECT %s FROM entities WHERE token = ?", Columns), []any{token}
}

// compileEquals compiles one conjunct to "json_extract(attributes, ?) = ?".
func (c *SQLCompiler) compileEquals(eq queryir.Equals) (string, []any, error) {
	path, err := JSONPath(eq.Field)
	if err != nil {
		return "", nil, err
	}
	param, err := irValueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %s: %w", eq.Field, err)
	}
	return "json_extract(attributes, ?) = ?", []any{path, param}, nil
}

// JSONPath quotes an attribute name as a SQLite JSON path.
func JSONPath(field string) (string, error) {
	if field == "" {
		return "", fmt.Errorf("empty field name")
	}
	if strings.ContainsAny(field, `"\`) {
		return "", fmt.Errorf("field name %q cannot be expressed as a JSON path", field)
	}
	return `$."` + field + `"`, nil
}

// irValueToParam converts a scalar IR value to a SQL parameter. json_extract
// yields 1 and 0 for JSON booleans, which is how the driver binds bool.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		return bool(val), nil
	case ir.IRArray:
		return nil, fmt.Errorf("IRArray cannot be used as SQL parameter directly")
	case ir.IRObject:
		return nil, fmt.Errorf("IRObject cannot be used as SQL parameter directly")
	default:
		return nil, fmt.Errorf("unsupported IRValue type for SQL parameter: %T", v)
	}
}
