package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcCall is the input of an async procedure.
type ProcCall struct {
	// Resource is the path segment after /async/, if any.
	Resource string
	Command  string
	// FormParams holds the request's non-Theas fields, URL-encoded.
	FormParams string
	// TheasParams holds the session's parameters as an envelope.
	TheasParams string
	HTTPParams  string
}

// ProcResult collects the special columns of every returned row.
type ProcResult struct {
	// TheasParams is an envelope merged into the session.
	TheasParams string
	// AsyncResponse, when set, is sent to the client verbatim.
	AsyncResponse string
	Rows          int
}

// Proc runs the application logic behind an async request.
type Proc interface {
	Call(ctx context.Context, call ProcCall) (ProcResult, error)
}

// ProcFunc adapts a function to Proc.
type ProcFunc func(ctx context.Context, call ProcCall) (ProcResult, error)

func (f ProcFunc) Call(ctx context.Context, call ProcCall) (ProcResult, error) { return f(ctx, call) }

// PgProc calls a Postgres set-returning function:
//
//	name(resource, command, form_params, theas_params, http_params)
//
// Columns named TheasParams and AsyncResponse (any case) are concatenated across rows.
type PgProc struct {
	pool *pgxpool.Pool
	name string
}

func NewPgProc(pool *pgxpool.Pool, name string) *PgProc {
	return &PgProc{pool: pool, name: name}
}

func (p *PgProc) Call(ctx context.Context, call ProcCall) (ProcResult, error) {
	ident := pgx.Identifier(strings.Split(p.name, ".")).Sanitize()
	sql := fmt.Sprintf("SELECT * FROM %s($1, $2, $3, $4, $5)", ident)

	rows, err := p.pool.Query(ctx, sql, call.Resource, call.Command, call.FormParams, call.TheasParams, call.HTTPParams)
	if err != nil {
		return ProcResult{}, fmt.Errorf("call %s: %w", p.name, err)
	}
	defer rows.Close()

	theasCol, responseCol := -1, -1
	for i, fd := range rows.FieldDescriptions() {
		switch strings.ToLower(fd.Name) {
		case "theasparams":
			theasCol = i
		case "asyncresponse":
			responseCol = i
		}
	}

	var res ProcResult
	var theas, response strings.Builder
	for rows.Next() {
		res.Rows++
		values, err := rows.Values()
		if err != nil {
			return ProcResult{}, fmt.Errorf("read %s row: %w", p.name, err)
		}
		if s, ok := column(values, theasCol); ok {
			theas.WriteString(s)
		}
		if s, ok := column(values, responseCol); ok {
			response.WriteString(s)
		}
	}
	if err := rows.Err(); err != nil {
		return ProcResult{}, fmt.Errorf("call %s: %w", p.name, err)
	}
	res.TheasParams = theas.String()
	res.AsyncResponse = response.String()
	return res, nil
}

func column(values []any, i int) (string, bool) {
	if i < 0 || i >= len(values) || values[i] == nil {
		return "", false
	}
	if s, ok := values[i].(string); ok {
		return s, true
	}
	return fmt.Sprint(values[i]), true
}
