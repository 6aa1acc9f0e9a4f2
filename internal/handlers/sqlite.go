// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// maxQueryRows bounds the result set written by a query.
const maxQueryRows = 10000

// openReadOnly opens a SQLite database inside the sandbox without write
// access, so queries can never modify or delete data.
func (e *env) openReadOnly(path string) (*sql.DB, error) {
	resolved, err := e.Guard.ResolveFile(path)
	if err != nil {
		return nil, err
	}
	dsn := (&url.URL{Scheme: "file", Path: resolved, RawQuery: "mode=ro&_pragma=query_only(1)"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type ticketSalesArgs struct {
	Input      string `json:"input" arg:"path" jsonschema:"description=SQLite database with a tickets table"`
	Output     string `json:"output" arg:"path" jsonschema:"description=File that receives the total"`
	TicketType string `json:"ticket_type,omitempty" arg:"string,default=Gold" jsonschema:"description=Ticket type to total"`
}

func (e *env) ticketSales(ctx context.Context, args ticketSalesArgs) (string, error) {
	db, err := e.openReadOnly(args.Input)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var total sql.NullFloat64
	err = db.QueryRowContext(ctx,
		`SELECT SUM(units * price) FROM tickets WHERE TRIM(LOWER(type)) = LOWER(?)`,
		strings.TrimSpace(args.TicketType),
	).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("failed to compute sales: %w", err)
	}

	value := strconv.FormatFloat(total.Float64, 'f', -1, 64)
	out, err := e.writeOutput(args.Output, value)
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("total %s sales %s", args.TicketType, value), out), nil
}

type queryArgs struct {
	Database string `json:"database" arg:"path" jsonschema:"description=SQLite database file"`
	SQLQuery string `json:"sql_query" arg:"string" jsonschema:"description=Read-only SQL query"`
	Output   string `json:"output,omitempty" arg:"path" jsonschema:"description=Optional JSON file that receives the rows"`
}

func (e *env) runQuery(ctx context.Context, args queryArgs) (string, error) {
	db, err := e.openReadOnly(args.Database)
	if err != nil {
		return "", err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, args.SQLQuery)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}
	records := make([]map[string]interface{}, 0)
	for rows.Next() {
		if len(records) >= maxQueryRows {
			return "", fmt.Errorf("query returned more than %d rows", maxQueryRows)
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
				continue
			}
			record[col] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	if args.Output == "" {
		return string(encoded), nil
	}
	out, err := e.writeOutput(args.Output, string(encoded))
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("query returned %d rows", len(records)), out), nil
}
