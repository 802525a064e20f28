package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// Assignment is a stage's phase decision for one turn.
type Assignment struct {
	Ordinal    int
	Phase      phase.Phase
	Confidence float64
	Source     phase.Source
}

// WriteResult counts what a batched write did.
type WriteResult struct {
	Written int
	Skipped int // rejected by the trust order
}

// WriteAssignments stores assignments in one transaction. An assignment only
// replaces the stored one when its source is at least as trusted.
func (s *Store) WriteAssignments(ctx context.Context, conversationPK int64, assignments []Assignment) (WriteResult, error) {
	if err := s.ready(); err != nil {
		return WriteResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("begin write assignments: %w", err)
	}
	defer tx.Rollback()

	res, err := writeAssignmentsTx(ctx, tx, conversationPK, assignments, s.timestamp())
	if err != nil {
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("commit assignments: %w", err)
	}
	return res, nil
}

func writeAssignmentsTx(ctx context.Context, tx *sql.Tx, conversationPK int64, assignments []Assignment, now string) (WriteResult, error) {
	var res WriteResult
	for _, a := range assignments {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT source FROM turns WHERE conversation_pk = ? AND ordinal = ?`,
			conversationPK, a.Ordinal,
		).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return res, fmt.Errorf("turn %d of conversation %d: %w", a.Ordinal, conversationPK, ErrNotFound)
		}
		if err != nil {
			return res, fmt.Errorf("read turn source: %w", err)
		}

		if !phase.CanOverwrite(phase.ParseSource(existing), a.Source) {
			res.Skipped++
			continue
		}

		p := phase.Parse(string(a.Phase))
		confidence := clamp01(a.Confidence)
		if p == phase.None {
			confidence = 0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET phase = ?, confidence = ?, source = ?, updated_at_utc = ?
			WHERE conversation_pk = ? AND ordinal = ?`,
			string(p), confidence, string(phase.ParseSource(string(a.Source))), now,
			conversationPK, a.Ordinal,
		); err != nil {
			return res, fmt.Errorf("update turn %d: %w", a.Ordinal, err)
		}
		res.Written++
	}
	return res, nil
}

// StabilizedTurn is the stabilizer's output for one turn. Rules lists the
// applied rule ids, comma-separated.
type StabilizedTurn struct {
	Ordinal int
	Phase   phase.Phase
	Rules   string
}

// WriteStabilized stores stabilized phases next to the raw ones. The raw
// assignment is left alone.
func (s *Store) WriteStabilized(ctx context.Context, conversationPK int64, turns []StabilizedTurn) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write stabilized: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE turns SET stabilized_phase = ?, stabilized_rules = ?, updated_at_utc = ?
		WHERE conversation_pk = ? AND ordinal = ?`)
	if err != nil {
		return fmt.Errorf("prepare stabilized update: %w", err)
	}
	defer stmt.Close()

	now := s.timestamp()
	for _, t := range turns {
		if _, err := stmt.ExecContext(ctx, string(phase.Parse(string(t.Phase))), strings.TrimSpace(t.Rules), now, conversationPK, t.Ordinal); err != nil {
			return fmt.Errorf("update stabilized turn %d: %w", t.Ordinal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stabilized: %w", err)
	}
	return nil
}

// Final phase end types.
const (
	EndTypeClosing = "CIERRE"
	EndTypeCut     = "CORTE"
)

// FinalPhase is the last labeled turn of a conversation.
type FinalPhase struct {
	Phase   phase.Phase
	Ordinal int
	EndType string
}

// WriteFinalPhase stores the derived final phase and whether the secondary
// classifier was used on the conversation.
func (s *Store) WriteFinalPhase(ctx context.Context, conversationPK int64, final FinalPhase, llmUsed bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	endType := final.EndType
	if endType == "" {
		endType = EndTypeCut
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET final_phase = ?, final_turn_ordinal = ?, end_type = ?, llm_used = ?
		WHERE conversation_pk = ?`,
		string(final.Phase), final.Ordinal, endType, boolToInt(llmUsed), conversationPK,
	); err != nil {
		return fmt.Errorf("update final phase: %w", err)
	}
	return nil
}

// Correct records a human decision for one turn: source HUMAN, confidence 1.
// A blank phase clears the turn and still pins it as reviewed.
func (s *Store) Correct(ctx context.Context, runID, conversationID string, ordinal int, p phase.Phase) error {
	conv, err := s.GetConversation(ctx, runID, conversationID)
	if err != nil {
		return err
	}
	confidence := 1.0
	p = phase.Parse(string(p))
	if p == phase.None {
		confidence = 0
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE turns SET phase = ?, confidence = ?, source = ?, updated_at_utc = ?
		WHERE conversation_pk = ? AND ordinal = ?`,
		string(p), confidence, string(phase.SourceHuman), s.timestamp(), conv.PK, ordinal,
	)
	if err != nil {
		return fmt.Errorf("correct turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("correct turn: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("turn %d of %q: %w", ordinal, conversationID, ErrNotFound)
	}
	return nil
}

// PendingTurn is a turn still waiting for a trustworthy label, with the raw
// phases of its neighbours for context.
type PendingTurn struct {
	ConversationID string
	Ordinal        int
	Speaker        string
	Text           string
	Phase          phase.Phase
	Confidence     float64
	Source         phase.Source
	PrevPhase      phase.Phase
	NextPhase      phase.Phase
}

// PendingTurns lists turns of a run with no phase or a confidence below
// maxConfidence. Human-reviewed turns are never pending.
func (s *Store) PendingTurns(ctx context.Context, runID string, maxConfidence float64) ([]PendingTurn, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.conversation_id, t.ordinal, t.speaker, t.text, t.phase, t.confidence, t.source
		FROM turns t
		JOIN conversations c ON c.conversation_pk = t.conversation_pk
		WHERE c.run_id = ?
		ORDER BY c.conversation_pk, t.ordinal`, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("query pending turns: %w", err)
	}
	defer rows.Close()

	var all []PendingTurn
	for rows.Next() {
		var t PendingTurn
		var p, source string
		if err := rows.Scan(&t.ConversationID, &t.Ordinal, &t.Speaker, &t.Text, &p, &t.Confidence, &source); err != nil {
			return nil, fmt.Errorf("scan pending turn: %w", err)
		}
		t.Phase = phase.Phase(p)
		t.Source = phase.Source(source)
		all = append(all, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending turns: %w", err)
	}

	var pending []PendingTurn
	for i, t := range all {
		if t.Source == phase.SourceHuman {
			continue
		}
		if t.Phase != phase.None && t.Confidence >= maxConfidence {
			continue
		}
		if i > 0 && all[i-1].ConversationID == t.ConversationID {
			t.PrevPhase = all[i-1].Phase
		}
		if i+1 < len(all) && all[i+1].ConversationID == t.ConversationID {
			t.NextPhase = all[i+1].Phase
		}
		pending = append(pending, t)
	}
	return pending, nil
}

// PhaseCount is one cell of the phase-by-source distribution.
type PhaseCount struct {
	Phase  phase.Phase
	Source phase.Source
	Count  int
}

// PhaseCounts aggregates raw turn assignments of a run by phase and source.
func (s *Store) PhaseCounts(ctx context.Context, runID string) ([]PhaseCount, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.phase, t.source, COUNT(*)
		FROM turns t
		JOIN conversations c ON c.conversation_pk = t.conversation_pk
		WHERE c.run_id = ?
		GROUP BY t.phase, t.source
		ORDER BY t.phase, t.source`, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("query phase counts: %w", err)
	}
	defer rows.Close()

	var out []PhaseCount
	for rows.Next() {
		var pc PhaseCount
		var p, source string
		if err := rows.Scan(&p, &source, &pc.Count); err != nil {
			return nil, fmt.Errorf("scan phase count: %w", err)
		}
		pc.Phase = phase.Phase(p)
		pc.Source = phase.Source(source)
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase counts: %w", err)
	}
	return out, nil
}
