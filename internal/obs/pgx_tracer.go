package obs

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tables owned by the billing stores. Queries against anything else are labelled "other".
var storeTables = map[string]bool{"coupons": true, "orders": true, "domain_events": true}

type queryKey struct{}

type query struct {
	span      trace.Span
	operation string
	table     string
	start     time.Time
}

// PGXTracer is a pgx.QueryTracer that opens one span per statement, named after the
// operation and store table ("pgx UPDATE orders"), and observes DBQueryDuration.
type PGXTracer struct{}

// TraceQueryStart starts the statement span.
func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	operation, table := statementTarget(data.SQL)
	ctx, span := otel.Tracer("db.pgx").Start(ctx, "pgx "+operation+" "+table, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
		attribute.String("db.statement", truncateSQL(data.SQL)),
		attribute.Int("db.args", len(data.Args)),
	)
	return context.WithValue(ctx, queryKey{}, query{span: span, operation: operation, table: table, start: time.Now()})
}

// TraceQueryEnd records the outcome and ends the span.
func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	q, ok := ctx.Value(queryKey{}).(query)
	if !ok {
		return
	}
	if DBQueryDuration != nil {
		DBQueryDuration.WithLabelValues(q.operation, q.table).Observe(DurationMillis(time.Since(q.start)))
	}
	if data.Err != nil {
		q.span.RecordError(data.Err)
		q.span.SetStatus(codes.Error, data.Err.Error())
	} else {
		q.span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	q.span.End()
}

// statementTarget returns the leading SQL verb and the store table the statement reads or
// writes: the identifier after FROM, INTO or UPDATE.
func statementTarget(sql string) (operation, table string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN", "other"
	}
	operation = strings.ToUpper(fields[0])
	table = "other"
	for i, f := range fields[:len(fields)-1] {
		switch strings.ToUpper(f) {
		case "FROM", "INTO", "UPDATE":
			name := fields[i+1]
			if j := strings.IndexByte(name, '('); j >= 0 {
				name = name[:j]
			}
			name = strings.ToLower(strings.Trim(name[strings.LastIndexByte(name, '.')+1:], `"),;`))
			if storeTables[name] {
				return operation, name
			}
		}
	}
	return operation, table
}

func truncateSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) > 300 {
		return trimmed[:300] + "..."
	}
	return trimmed
}
