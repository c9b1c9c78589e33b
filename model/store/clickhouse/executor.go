package clickhouse

import (
	"context"
	"fmt"
	"reflect"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"

	C "insights/config"
	"insights/model/model"
	U "insights/util"
)

// QueryExecutor Executes one read statement with named params and returns
// the tabular result. The store depends on this instead of the driver
// connection so builders can be tested against a recording fake.
type QueryExecutor interface {
	ExecQueryWithContext(ctx context.Context, stmnt string,
		params map[string]interface{}) (*model.QueryResult, string, error)
}

type connExecutor struct {
	conn ch.Conn
}

// NewConnExecutor QueryExecutor backed by a live clickhouse connection.
func NewConnExecutor(conn ch.Conn) QueryExecutor {
	return &connExecutor{conn: conn}
}

// ExecQueryWithContext Executes raw query with context. Useful to kill
// queries on program exit or crash.
func (e *connExecutor) ExecQueryWithContext(ctx context.Context, stmnt string,
	params map[string]interface{}) (*model.QueryResult, string, error) {

	reqID := U.GetUniqueQueryRequestID()

	logFields := log.Fields{
		"analytics": true,
		// Limit statement and params length.
		"original_query": U.TrimQueryString(stmnt),
		"params":         U.TrimQueryParams(params),
		"req_id":         reqID,
	}
	defer model.LogOnSlowExecutionWithParams(time.Now(), &logFields)

	// Prefix application name in comment for debugging.
	stmnt = fmt.Sprintf("/*!%s-%s*/ ", C.GetConfig().AppName, reqID) + stmnt

	namedParams := make([]interface{}, 0, len(params))
	for _, name := range sortedParamNames(params) {
		namedParams = append(namedParams, ch.Named(name, params[name]))
	}

	startExecTime := time.Now()
	rows, err := e.conn.Query(ctx, stmnt, namedParams...)
	logFields["execution_time_ms"] = time.Since(startExecTime).Milliseconds()
	if err != nil {
		log.WithError(err).WithFields(logFields).Error("Failed to exec query with context.")
		return nil, reqID, err
	}
	defer rows.Close()

	log.WithFields(logFields).Info("Exec query with context.")

	headers, resultRows, err := readRows(rows)
	if err != nil {
		log.WithError(err).WithFields(logFields).Error("Failed reading query result rows.")
		return nil, reqID, err
	}

	result := &model.QueryResult{
		Headers: headers,
		Rows:    resultRows,
		Meta:    model.QueryResultMeta{QueryRequestID: reqID},
	}
	return result, reqID, nil
}

// readRows Scans all rows into a generic table using the driver's column
// scan types.
func readRows(rows driver.Rows) ([]string, [][]interface{}, error) {
	headers := rows.Columns()
	columnTypes := rows.ColumnTypes()

	resultRows := make([][]interface{}, 0)
	for rows.Next() {
		scanDest := make([]interface{}, len(columnTypes))
		for i, columnType := range columnTypes {
			scanDest[i] = reflect.New(columnType.ScanType()).Interface()
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, nil, err
		}

		row := make([]interface{}, len(scanDest))
		for i, dest := range scanDest {
			row[i] = reflect.ValueOf(dest).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}

	return headers, resultRows, rows.Err()
}
