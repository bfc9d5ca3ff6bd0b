package server

import (
	"database/sql"
	"fmt"

	"github.com/openjproxy/ojp/internal/wire"
)

// scanRows buffers a *sql.Rows into a wire.QueryResponse. Grounded on the
// teacher's handleSQL/convertDatabaseValue scanning loop in server.go,
// adapted to OJP's QueryResponse shape instead of RPCResponse.
func scanRows(rows *sql.Rows) (wire.QueryResponse, error) {
	cols, err := rows.Columns()
	if err != nil {
		return wire.QueryResponse{}, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return wire.QueryResponse{}, err
	}

	var data [][]interface{}
	for rows.Next() {
		scanDest := make([]interface{}, len(cols))
		for i := range scanDest {
			scanDest[i] = new(interface{})
		}
		if err := rows.Scan(scanDest...); err != nil {
			return wire.QueryResponse{}, err
		}

		row := make([]interface{}, len(cols))
		for i, val := range scanDest {
			row[i] = convertDatabaseValue(*(val.(*interface{})), colTypes[i])
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return wire.QueryResponse{}, err
	}
	return wire.QueryResponse{Columns: cols, Rows: data}, nil
}

// convertDatabaseValue converts a raw scanned value into something JSON
// serializable, preserving numeric precision by rendering numeric/decimal
// byte values as strings rather than risking float64 round-tripping.
func convertDatabaseValue(val interface{}, colType *sql.ColumnType) interface{} {
	if val == nil {
		return nil
	}

	switch v := val.(type) {
	case []byte:
		switch colType.DatabaseTypeName() {
		case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
			if len(v) == 0 {
				return 0
			}
			return string(v)
		case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL":
			return string(v)
		default:
			return string(v)
		}
	case string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
