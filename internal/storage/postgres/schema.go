package postgres

import (
	"fmt"
	"strings"
)

// terminalList is the SQL literal list of terminal statuses.
const terminalList = `('completed','failed')`

// schemaStatements returns the DDL for the jobs table and its indexes. The
// unique partial index is what makes CreateJob single-flight per
// (owner_id, website_url).
func schemaStatements(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	website_url      TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempt          INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	result           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL,
	stage_started_at TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_url_status_idx ON %s (owner_id, website_url, status)`, table, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (owner_id, website_url) WHERE status NOT IN %s`,
			activeIndexName(table), table, terminalList),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_stale_idx ON %s (updated_at) WHERE status NOT IN %s`,
			table, table, terminalList),
	}
}

func activeIndexName(table string) string {
	return table + "_active_pair_idx"
}

// Schema renders the DDL as a single script, for operators applying it by hand.
func Schema(table string) string {
	return strings.Join(schemaStatements(table), ";\n\n") + ";\n"
}
