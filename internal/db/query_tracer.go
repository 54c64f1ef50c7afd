package db

import (
	"context"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
)

// queryTracer emits a sentry span per query when a transaction is
// already active on the context, so slow order-reconciliation paths
// show up with their SQL attached.
type queryTracer struct{}

type querySpanContextKey struct{}

const maxTracedQueryLength = 512

func newQueryTracer() *queryTracer {
	return &queryTracer{}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if sentry.SpanFromContext(ctx) == nil {
		return ctx
	}

	query := compactQuery(data.SQL)
	span := sentry.StartSpan(
		ctx,
		"db.query",
		sentry.WithDescription(query),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	span.SetData("db.system", "postgresql")
	if keyword := leadingKeyword(query); keyword != "" {
		span.SetData("db.operation", keyword)
	}

	return context.WithValue(span.Context(), querySpanContextKey{}, span)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, _ := ctx.Value(querySpanContextKey{}).(*sentry.Span)
	if span == nil {
		return
	}

	if data.Err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("db.error", data.Err.Error())
	} else {
		span.Status = sentry.SpanStatusOK
		span.SetData("db.rows_affected", data.CommandTag.RowsAffected())
	}

	span.Finish()
}

func compactQuery(query string) string {
	compact := strings.Join(strings.Fields(strings.TrimSpace(query)), " ")
	if compact == "" {
		return "sql.query"
	}
	if len(compact) > maxTracedQueryLength {
		return compact[:maxTracedQueryLength]
	}
	return compact
}

func leadingKeyword(query string) string {
	parts := strings.Fields(query)
	if len(parts) == 0 {
		return ""
	}
	return strings.ToUpper(parts[0])
}
