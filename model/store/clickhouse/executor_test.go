package clickhouse

import (
	"reflect"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeColumnType struct {
	name     string
	scanType reflect.Type
}

func (c *fakeColumnType) Name() string             { return c.name }
func (c *fakeColumnType) Nullable() bool           { return false }
func (c *fakeColumnType) ScanType() reflect.Type   { return c.scanType }
func (c *fakeColumnType) DatabaseTypeName() string { return c.scanType.String() }

type fakeRows struct {
	columns []driver.ColumnType
	rows    [][]interface{}
	cursor  int
}

var _ driver.Rows = &fakeRows{}

func (r *fakeRows) Next() bool {
	if r.cursor >= len(r.rows) {
		return false
	}
	r.cursor++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.cursor-1]
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func (r *fakeRows) ScanStruct(dest interface{}) error { return nil }
func (r *fakeRows) ColumnTypes() []driver.ColumnType  { return r.columns }
func (r *fakeRows) Totals(dest ...interface{}) error  { return nil }

func (r *fakeRows) Columns() []string {
	names := make([]string, 0, len(r.columns))
	for _, c := range r.columns {
		names = append(names, c.Name())
	}
	return names
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

func TestReadRowsScansByColumnType(t *testing.T) {
	rows := &fakeRows{
		columns: []driver.ColumnType{
			&fakeColumnType{name: "breakdown_value", scanType: reflect.TypeOf("")},
			&fakeColumnType{name: "aggregate_value", scanType: reflect.TypeOf(uint64(0))},
		},
		rows: [][]interface{}{
			{"Chrome", uint64(5)},
			{"Firefox", uint64(2)},
		},
	}

	headers, result, err := readRows(rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"breakdown_value", "aggregate_value"}, headers)
	require.Len(t, result, 2)
	assert.Equal(t, "Chrome", result[0][0])
	assert.Equal(t, uint64(5), result[0][1])
	assert.Equal(t, "Firefox", result[1][0])
}

func TestReadRowsEmptyResult(t *testing.T) {
	rows := &fakeRows{
		columns: []driver.ColumnType{
			&fakeColumnType{name: "aggregate_value", scanType: reflect.TypeOf(uint64(0))},
		},
	}

	headers, result, err := readRows(rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"aggregate_value"}, headers)
	assert.Empty(t, result)
}
