package store

import (
	"context"
	"fmt"
	"strings"
)

// LLMEvent is the full audit of one classifier attempt.
type LLMEvent struct {
	CreatedAtUTC         string
	ConversationPK       int64
	Ordinal              int
	Attempt              int
	Model                string
	RequestJSON          string
	ResponseHTTPStatus   int
	ResponseJSON         string
	ExtractedContentJSON string
	ParseOK              bool
	ValidationOK         bool
	ErrorMessage         string
}

const insertLLMEventSQL = `
INSERT INTO llm_events (
	created_at_utc,
	conversation_pk,
	ordinal,
	attempt,
	model,
	request_json,
	response_http_status,
	response_json,
	extracted_content_json,
	parse_ok,
	validation_ok,
	error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *Store) InsertLLMEvent(ctx context.Context, event LLMEvent) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(event.CreatedAtUTC) == "" {
		event.CreatedAtUTC = s.timestamp()
	}
	if event.Attempt < 1 {
		event.Attempt = 1
	}
	event.Model = strings.TrimSpace(event.Model)
	event.ErrorMessage = strings.TrimSpace(event.ErrorMessage)
	if strings.TrimSpace(event.RequestJSON) == "" {
		event.RequestJSON = "{}"
	}
	if strings.TrimSpace(event.ResponseJSON) == "" {
		event.ResponseJSON = "{}"
	}
	if strings.TrimSpace(event.ExtractedContentJSON) == "" {
		event.ExtractedContentJSON = "{}"
	}

	if _, err := s.db.ExecContext(ctx,
		insertLLMEventSQL,
		event.CreatedAtUTC,
		event.ConversationPK,
		event.Ordinal,
		event.Attempt,
		event.Model,
		event.RequestJSON,
		event.ResponseHTTPStatus,
		event.ResponseJSON,
		event.ExtractedContentJSON,
		boolToInt(event.ParseOK),
		boolToInt(event.ValidationOK),
		event.ErrorMessage,
	); err != nil {
		return fmt.Errorf("insert llm event: %w", err)
	}
	return nil
}

// EventCounts summarizes the audit trail of a run.
type EventCounts struct {
	Attempts        int
	ParseFailures   int
	InvalidAnswers  int
	TransportErrors int
}

// LLMEventCounts aggregates the events of the conversations of a run.
func (s *Store) LLMEventCounts(ctx context.Context, runID string) (EventCounts, error) {
	if err := s.ready(); err != nil {
		return EventCounts{}, err
	}
	var out EventCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN e.response_http_status BETWEEN 200 AND 299 AND e.parse_ok = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.parse_ok = 1 AND e.validation_ok = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.response_http_status NOT BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0)
		FROM llm_events e
		JOIN conversations c ON c.conversation_pk = e.conversation_pk
		WHERE c.run_id = ?`, strings.TrimSpace(runID),
	).Scan(&out.Attempts, &out.ParseFailures, &out.InvalidAnswers, &out.TransportErrors)
	if err != nil {
		return EventCounts{}, fmt.Errorf("count llm events: %w", err)
	}
	return out, nil
}
