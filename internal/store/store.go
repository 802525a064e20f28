// Package store persists runs, conversations, turn phase assignments and the
// derived sequence records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tetraminz/collection_phases/internal/compute"
	"github.com/tetraminz/collection_phases/internal/dataset"
	"github.com/tetraminz/collection_phases/internal/phase"
)

// ErrNotFound is returned when a run, conversation or turn does not exist.
var ErrNotFound = errors.New("not found")

var errNotInitialized = errors.New("sqlite store is not initialized")

// Store is a thin wrapper over one SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens dbPath and checks that its schema is current.
func Open(dbPath string) (*Store, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if err := ensureStoreSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Run is one ingestion batch.
type Run struct {
	ID            string
	CreatedAt     time.Time
	Input         string
	Conversations int
}

// CreateRun registers a new batch; input describes where its turns came from.
func (s *Store) CreateRun(ctx context.Context, input string) (Run, error) {
	if err := s.ready(); err != nil {
		return Run{}, err
	}
	run := Run{ID: uuid.NewString(), CreatedAt: s.now().UTC().Truncate(time.Second), Input: strings.TrimSpace(input)}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, created_at_utc, input) VALUES (?, ?, ?)`,
		run.ID, run.CreatedAt.Format(time.RFC3339), run.Input,
	); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

const selectRunSQL = `
SELECT r.run_id, r.created_at_utc, r.input, COUNT(c.conversation_pk)
FROM runs r
LEFT JOIN conversations c ON c.run_id = r.run_id`

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if err := s.ready(); err != nil {
		return Run{}, err
	}
	row := s.db.QueryRowContext(ctx, selectRunSQL+` WHERE r.run_id = ? GROUP BY r.run_id`, strings.TrimSpace(runID))
	return scanRun(row, runID)
}

// LatestRun returns the most recently created run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	if err := s.ready(); err != nil {
		return Run{}, err
	}
	row := s.db.QueryRowContext(ctx, selectRunSQL+` GROUP BY r.run_id ORDER BY r.created_at_utc DESC, r.rowid DESC LIMIT 1`)
	return scanRun(row, "latest")
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectRunSQL+` GROUP BY r.run_id ORDER BY r.created_at_utc DESC, r.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var created string
		if err := rows.Scan(&run.ID, &created, &run.Input, &run.Conversations); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339, created)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row *sql.Row, key string) (Run, error) {
	var run Run
	var created string
	if err := row.Scan(&run.ID, &created, &run.Input, &run.Conversations); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run %s: %w", key, ErrNotFound)
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return run, nil
}

// Conversation is a stored conversation header.
type Conversation struct {
	PK             int64
	RunID          string
	ConversationID string
	SourceFile     string
	TotalTurns     int
	FinalPhase     phase.Phase
	FinalOrdinal   int
	EndType        string
	LLMUsed        bool
}

// Turn is a stored turn with its current assignment.
type Turn struct {
	Ordinal         int
	Speaker         string
	Text            string
	Phase           phase.Phase
	Confidence      float64
	Source          phase.Source
	StabilizedPhase phase.Phase
	StabilizedRules string
}

const insertConversationSQL = `
INSERT INTO conversations (
	run_id,
	conversation_id,
	source_file,
	total_turns
) VALUES (?, ?, ?, ?)`

const insertTurnSQL = `
INSERT INTO turns (
	conversation_pk,
	ordinal,
	speaker,
	text,
	phase,
	confidence,
	source,
	updated_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// InsertConversation stores a conversation and its turns in one transaction.
// Prior assignments carried by the input turns are stored as they are.
func (s *Store) InsertConversation(ctx context.Context, runID string, conv dataset.Conversation) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(conv.Turns) == 0 {
		return 0, fmt.Errorf("conversation %q has no turns", conv.ConversationID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert conversation: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertConversationSQL,
		strings.TrimSpace(runID),
		strings.TrimSpace(conv.ConversationID),
		strings.TrimSpace(conv.SourceFile),
		len(conv.Turns),
	)
	if err != nil {
		return 0, fmt.Errorf("insert conversation %q: %w", conv.ConversationID, err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("conversation id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertTurnSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare insert turn: %w", err)
	}
	defer stmt.Close()

	now := s.timestamp()
	for _, turn := range conv.Turns {
		p := phase.Parse(turn.Phase)
		confidence := clamp01(turn.Confidence)
		source := phase.ParseSource(turn.Source)
		if p == phase.None {
			confidence = 0
		}
		if _, err := stmt.ExecContext(ctx,
			pk,
			turn.Ordinal,
			strings.TrimSpace(turn.Speaker),
			strings.TrimSpace(turn.Text),
			string(p),
			confidence,
			string(source),
			now,
		); err != nil {
			return 0, fmt.Errorf("insert turn %d of %q: %w", turn.Ordinal, conv.ConversationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert conversation: %w", err)
	}
	return pk, nil
}

// ImportConversations stores conversations under runID and returns how many
// turns were inserted.
func (s *Store) ImportConversations(ctx context.Context, runID string, convs []dataset.Conversation) (int, error) {
	turns := 0
	for _, conv := range convs {
		if _, err := s.InsertConversation(ctx, runID, conv); err != nil {
			return turns, err
		}
		turns += len(conv.Turns)
	}
	return turns, nil
}

// ImportJSONL loads a JSONL turn file into runID.
func (s *Store) ImportJSONL(ctx context.Context, runID, path string) (int, error) {
	convs, err := dataset.LoadJSONL(path)
	if err != nil {
		return 0, err
	}
	return s.ImportConversations(ctx, runID, convs)
}

const selectConversationSQL = `
SELECT conversation_pk, run_id, conversation_id, source_file, total_turns,
	final_phase, final_turn_ordinal, end_type, llm_used
FROM conversations`

// ListConversations returns the conversations of a run in insertion order.
func (s *Store) ListConversations(ctx context.Context, runID string) ([]Conversation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectConversationSQL+` WHERE run_id = ? ORDER BY conversation_pk`, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// GetConversation looks a conversation up by its external id within a run.
func (s *Store) GetConversation(ctx context.Context, runID, conversationID string) (Conversation, error) {
	if err := s.ready(); err != nil {
		return Conversation{}, err
	}
	row := s.db.QueryRowContext(ctx, selectConversationSQL+` WHERE run_id = ? AND conversation_id = ?`,
		strings.TrimSpace(runID), strings.TrimSpace(conversationID))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (Conversation, error) {
	var c Conversation
	var final string
	var llmUsed int
	if err := row.Scan(&c.PK, &c.RunID, &c.ConversationID, &c.SourceFile, &c.TotalTurns,
		&final, &c.FinalOrdinal, &c.EndType, &llmUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.FinalPhase = phase.Phase(final)
	c.LLMUsed = llmUsed != 0
	return c, nil
}

// LoadTurns returns a conversation's turns in ordinal order.
func (s *Store) LoadTurns(ctx context.Context, conversationPK int64) ([]Turn, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, speaker, text, phase, confidence, source, stabilized_phase, stabilized_rules
		FROM turns
		WHERE conversation_pk = ?
		ORDER BY ordinal`, conversationPK)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var p, source, stabilized string
		if err := rows.Scan(&t.Ordinal, &t.Speaker, &t.Text, &p, &t.Confidence, &source, &stabilized, &t.StabilizedRules); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Phase = phase.Phase(p)
		t.Source = phase.Source(source)
		t.StabilizedPhase = phase.Phase(stabilized)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// WriteMetrics stores the per-conversation metrics as JSON.
func (s *Store) WriteMetrics(ctx context.Context, conversationPK int64, m compute.Metrics) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET metrics_json = ? WHERE conversation_pk = ?`, string(raw), conversationPK); err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}
	return nil
}

// LoadMetrics returns the stored metrics of every conversation in a run.
func (s *Store) LoadMetrics(ctx context.Context, runID string) ([]compute.Metrics, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT metrics_json FROM conversations WHERE run_id = ? ORDER BY conversation_pk`, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []compute.Metrics
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		var m compute.Metrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
