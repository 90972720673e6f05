package obs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatementTarget(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{`SELECT body, status, retried_by FROM orders WHERE id = $1`, "SELECT", "orders"},
		{"INSERT INTO orders(id, parent_id)\nVALUES ($1, $2)", "INSERT", "orders"},
		{`insert into "domain_events" (id, topic) values ($1, $2)`, "INSERT", "domain_events"},
		{`UPDATE public.coupons SET used_count = used_count + 1 WHERE code = $1`, "UPDATE", "coupons"},
		{`SELECT 1`, "SELECT", "other"},
		{`SELECT * FROM schema_migrations`, "SELECT", "other"},
		{"  ", "UNKNOWN", "other"},
	}
	for _, tc := range cases {
		operation, table := statementTarget(tc.sql)
		require.Equal(t, tc.operation, operation, tc.sql)
		require.Equal(t, tc.table, table, tc.sql)
	}
}
