package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// database/sql driver "sqlite"
	_ "modernc.org/sqlite"
)

const createRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created_at_utc TEXT NOT NULL,
	input TEXT NOT NULL
)`

const createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_pk INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	source_file TEXT NOT NULL DEFAULT '',
	total_turns INTEGER NOT NULL,
	final_phase TEXT NOT NULL DEFAULT '',
	final_turn_ordinal INTEGER NOT NULL DEFAULT 0,
	end_type TEXT NOT NULL DEFAULT '',
	llm_used INTEGER NOT NULL DEFAULT 0,
	metrics_json TEXT NOT NULL DEFAULT '{}',
	UNIQUE (run_id, conversation_id)
)`

const createTurnsTableSQL = `
CREATE TABLE IF NOT EXISTS turns (
	conversation_pk INTEGER NOT NULL,
	ordinal INTEGER NOT NULL,
	speaker TEXT NOT NULL,
	text TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	stabilized_phase TEXT NOT NULL DEFAULT '',
	stabilized_rules TEXT NOT NULL DEFAULT '',
	updated_at_utc TEXT NOT NULL,
	PRIMARY KEY (conversation_pk, ordinal)
)`

const createMacroMapTableSQL = `
CREATE TABLE IF NOT EXISTS phase_macro_map (
	fine_phase TEXT PRIMARY KEY,
	macro_phase TEXT NOT NULL
)`

const createSequencesTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_sequences (
	conversation_pk INTEGER PRIMARY KEY,
	sequence TEXT NOT NULL,
	start_phase TEXT NOT NULL,
	end_phase TEXT NOT NULL,
	coverage INTEGER NOT NULL,
	has_debt_info INTEGER NOT NULL,
	has_negotiation INTEGER NOT NULL,
	violations INTEGER NOT NULL,
	meets_ideal INTEGER NOT NULL,
	cut_before_negotiation INTEGER NOT NULL,
	valid_start INTEGER NOT NULL,
	updated_at_utc TEXT NOT NULL
)`

const createStabilizerStatsTableSQL = `
CREATE TABLE IF NOT EXISTS stabilizer_stats (
	run_id TEXT NOT NULL,
	stat TEXT NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (run_id, stat)
)`

const createLLMEventsTableSQL = `
CREATE TABLE IF NOT EXISTS llm_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at_utc TEXT NOT NULL,
	conversation_pk INTEGER NOT NULL,
	ordinal INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	model TEXT NOT NULL,
	request_json TEXT NOT NULL,
	response_http_status INTEGER NOT NULL,
	response_json TEXT NOT NULL,
	extracted_content_json TEXT NOT NULL,
	parse_ok INTEGER NOT NULL,
	validation_ok INTEGER NOT NULL,
	error_message TEXT NOT NULL
)`

type tableSpec struct {
	name     string
	create   string
	required []string
	indexes  []string
}

var tables = []tableSpec{
	{
		name:     "runs",
		create:   createRunsTableSQL,
		required: []string{"run_id", "created_at_utc", "input"},
	},
	{
		name:   "conversations",
		create: createConversationsTableSQL,
		required: []string{
			"conversation_pk", "run_id", "conversation_id", "source_file", "total_turns",
			"final_phase", "final_turn_ordinal", "end_type", "llm_used", "metrics_json",
		},
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_conversations_run ON conversations(run_id)`,
		},
	},
	{
		name:   "turns",
		create: createTurnsTableSQL,
		required: []string{
			"conversation_pk", "ordinal", "speaker", "text", "phase", "confidence", "source",
			"stabilized_phase", "stabilized_rules", "updated_at_utc",
		},
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_turns_phase ON turns(phase)`,
			`CREATE INDEX IF NOT EXISTS idx_turns_source ON turns(source)`,
		},
	},
	{
		name:     "phase_macro_map",
		create:   createMacroMapTableSQL,
		required: []string{"fine_phase", "macro_phase"},
	},
	{
		name:   "conversation_sequences",
		create: createSequencesTableSQL,
		required: []string{
			"conversation_pk", "sequence", "start_phase", "end_phase", "coverage", "has_debt_info",
			"has_negotiation", "violations", "meets_ideal", "cut_before_negotiation", "valid_start",
			"updated_at_utc",
		},
	},
	{
		name:     "stabilizer_stats",
		create:   createStabilizerStatsTableSQL,
		required: []string{"run_id", "stat", "count"},
	},
	{
		name:   "llm_events",
		create: createLLMEventsTableSQL,
		required: []string{
			"id", "created_at_utc", "conversation_pk", "ordinal", "attempt", "model", "request_json",
			"response_http_status", "response_json", "extracted_content_json", "parse_ok",
			"validation_ok", "error_message",
		},
		indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_llm_events_lookup ON llm_events(conversation_pk, ordinal, attempt)`,
			`CREATE INDEX IF NOT EXISTS idx_llm_events_parse_validation ON llm_events(parse_ok, validation_ok)`,
		},
	},
}

func openSQLite(dbPath string) (*sql.DB, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single connection; pooled connections would hit SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func ensureStoreSchema(db *sql.DB) error {
	for _, table := range tables {
		if _, err := db.Exec(table.create); err != nil {
			return fmt.Errorf("create %s table: %w", table.name, err)
		}
		missing, err := missingTableColumns(db, table.name, table.required)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf(
				"incompatible %s schema, missing columns: %s; run `phase_annotator setup --db <path>`",
				table.name,
				strings.Join(missing, ", "),
			)
		}
		for _, stmt := range table.indexes {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("create %s index: %w", table.name, err)
			}
		}
	}
	return nil
}

func missingTableColumns(db *sql.DB, tableName string, required []string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, tableName))
	if err != nil {
		return nil, fmt.Errorf("inspect %s schema: %w", tableName, err)
	}
	defer rows.Close()

	existing := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("scan %s schema: %w", tableName, err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s schema: %w", tableName, err)
	}

	var missing []string
	for _, col := range required {
		if _, ok := existing[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing, nil
}

// Setup drops every table and recreates the schema. All stored data is lost.
func Setup(dbPath string) error {
	if strings.TrimSpace(dbPath) == "" {
		return fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	db, err := openSQLite(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := db.Exec(`DROP TABLE IF EXISTS ` + tables[i].name); err != nil {
			return fmt.Errorf("drop %s table: %w", tables[i].name, err)
		}
	}
	return ensureStoreSchema(db)
}
