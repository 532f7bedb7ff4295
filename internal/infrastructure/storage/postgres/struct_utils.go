package postgres

import (
	"reflect"
	"sync"
)

// columnField maps a struct field to its "db" column.
type columnField struct {
	index  []int
	column string
}

// columnCache holds the column layout of each struct type seen so far.
var columnCache sync.Map // map[reflect.Type][]columnField

// columnsOf returns the "db"-tagged fields of t in declaration order,
// flattening embedded structs.
func columnsOf(t reflect.Type) []columnField {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if cached, ok := columnCache.Load(t); ok {
		return cached.([]columnField)
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var fields []columnField
	for _, f := range reflect.VisibleFields(t) {
		if f.Anonymous {
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		fields = append(fields, columnField{index: f.Index, column: tag})
	}

	cached, _ := columnCache.LoadOrStore(t, fields)
	return cached.([]columnField)
}

// ExtractDBColumns lists the "db" columns of T, embedded structs included.
//
//	cols := ExtractDBColumns[ledger.AuditEntry]()
//	// ["id", "transfer_id", "from_account", ...]
func ExtractDBColumns[T any]() []string {
	fields := columnsOf(reflect.TypeFor[T]())
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.column
	}
	return cols
}

// StructToMap converts a struct to a column -> value map using "db" tags,
// ready for squirrel's SetMap. Non-struct values yield nil.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	fields := columnsOf(rv.Type())
	res := make(map[string]any, len(fields))
	for _, f := range fields {
		res[f.column] = rv.FieldByIndex(f.index).Interface()
	}
	return res
}
