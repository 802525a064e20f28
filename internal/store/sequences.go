package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/sequence"
	"github.com/tetraminz/collection_phases/internal/stabilize"
)

const upsertSequenceSQL = `
INSERT INTO conversation_sequences (
	conversation_pk,
	sequence,
	start_phase,
	end_phase,
	coverage,
	has_debt_info,
	has_negotiation,
	violations,
	meets_ideal,
	cut_before_negotiation,
	valid_start,
	updated_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_pk) DO UPDATE SET
	sequence = excluded.sequence,
	start_phase = excluded.start_phase,
	end_phase = excluded.end_phase,
	coverage = excluded.coverage,
	has_debt_info = excluded.has_debt_info,
	has_negotiation = excluded.has_negotiation,
	violations = excluded.violations,
	meets_ideal = excluded.meets_ideal,
	cut_before_negotiation = excluded.cut_before_negotiation,
	valid_start = excluded.valid_start,
	updated_at_utc = excluded.updated_at_utc`

// UpsertSequence replaces a conversation's sequence record as a whole.
func (s *Store) UpsertSequence(ctx context.Context, conversationPK int64, rec sequence.Record) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertSequenceSQL,
		conversationPK,
		rec.SequenceString(),
		string(rec.Start),
		string(rec.End),
		rec.Coverage,
		boolToInt(rec.HasDebtInfo),
		boolToInt(rec.HasNegotiation),
		rec.Violations,
		boolToInt(rec.MeetsIdeal),
		boolToInt(rec.CutBeforeNegotiation),
		boolToInt(rec.ValidStart),
		s.timestamp(),
	); err != nil {
		return fmt.Errorf("upsert sequence: %w", err)
	}
	return nil
}

// DeleteSequence removes a conversation's record; missing records are fine.
func (s *Store) DeleteSequence(ctx context.Context, conversationPK int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_sequences WHERE conversation_pk = ?`, conversationPK); err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	return nil
}

// SequenceRow is a stored record with the conversation it belongs to.
type SequenceRow struct {
	ConversationID string
	Record         sequence.Record
}

// LoadSequences returns the sequence records of a run in conversation order.
func (s *Store) LoadSequences(ctx context.Context, runID string) ([]SequenceRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.conversation_id, q.sequence, q.start_phase, q.end_phase, q.coverage,
			q.has_debt_info, q.has_negotiation, q.violations, q.meets_ideal,
			q.cut_before_negotiation, q.valid_start
		FROM conversation_sequences q
		JOIN conversations c ON c.conversation_pk = q.conversation_pk
		WHERE c.run_id = ?
		ORDER BY c.conversation_pk`, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	var out []SequenceRow
	for rows.Next() {
		var row SequenceRow
		var seq, start, end string
		var debt, negotiation, ideal, cut, valid int
		if err := rows.Scan(&row.ConversationID, &seq, &start, &end, &row.Record.Coverage,
			&debt, &negotiation, &row.Record.Violations, &ideal, &cut, &valid); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		row.Record.Sequence = sequence.Split(seq)
		row.Record.Start = phase.Phase(start)
		row.Record.End = phase.Phase(end)
		row.Record.HasDebtInfo = debt != 0
		row.Record.HasNegotiation = negotiation != 0
		row.Record.MeetsIdeal = ideal != 0
		row.Record.CutBeforeNegotiation = cut != 0
		row.Record.ValidStart = valid != 0
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return out, nil
}

// ReplaceStabilizerStats stores the rule counters of a run's last
// stabilization pass.
func (s *Store) ReplaceStabilizerStats(ctx context.Context, runID string, stats stabilize.Stats) error {
	if err := s.ready(); err != nil {
		return err
	}
	runID = strings.TrimSpace(runID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stabilizer stats: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stabilizer_stats WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear stabilizer stats: %w", err)
	}
	counts := stats.Map()
	for _, key := range stabilize.StatKeys() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stabilizer_stats (run_id, stat, count) VALUES (?, ?, ?)`,
			runID, key, counts[key],
		); err != nil {
			return fmt.Errorf("insert stabilizer stat %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stabilizer stats: %w", err)
	}
	return nil
}

// LoadStabilizerStats returns zero counters when the run was never stabilized.
func (s *Store) LoadStabilizerStats(ctx context.Context, runID string) (stabilize.Stats, error) {
	if err := s.ready(); err != nil {
		return stabilize.Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT stat, count FROM stabilizer_stats WHERE run_id = ?`, strings.TrimSpace(runID))
	if err != nil {
		return stabilize.Stats{}, fmt.Errorf("query stabilizer stats: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return stabilize.Stats{}, fmt.Errorf("scan stabilizer stat: %w", err)
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return stabilize.Stats{}, fmt.Errorf("iterate stabilizer stats: %w", err)
	}
	return stabilize.FromMap(counts), nil
}

// LoadMacroMap returns the stored dictionary; an empty table yields an empty
// map, and callers merge it over the defaults.
func (s *Store) LoadMacroMap(ctx context.Context) (phase.MacroMap, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT fine_phase, macro_phase FROM phase_macro_map`)
	if err != nil {
		return nil, fmt.Errorf("query macro map: %w", err)
	}
	defer rows.Close()

	m := phase.MacroMap{}
	for rows.Next() {
		var fine, macro string
		if err := rows.Scan(&fine, &macro); err != nil {
			return nil, fmt.Errorf("scan macro map: %w", err)
		}
		m[phase.Parse(fine)] = phase.Parse(macro)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate macro map: %w", err)
	}
	return m, nil
}

// ReplaceMacroMap overwrites the stored dictionary.
func (s *Store) ReplaceMacroMap(ctx context.Context, m phase.MacroMap) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin macro map: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM phase_macro_map`); err != nil {
		return fmt.Errorf("clear macro map: %w", err)
	}
	for _, fine := range m.Keys() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phase_macro_map (fine_phase, macro_phase) VALUES (?, ?)`,
			string(fine), string(m[fine]),
		); err != nil {
			return fmt.Errorf("insert macro map %s: %w", fine, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit macro map: %w", err)
	}
	return nil
}
