package pipeline

import (
	"context"

	"github.com/tetraminz/collection_phases/internal/openai"
	"github.com/tetraminz/collection_phases/internal/store"
)

// StoreEventSink writes classifier attempts to the llm_events table.
type StoreEventSink struct {
	Store *store.Store
}

var _ openai.EventSink = StoreEventSink{}

func (s StoreEventSink) RecordEvent(ctx context.Context, event openai.Event) error {
	return s.Store.InsertLLMEvent(ctx, store.LLMEvent{
		ConversationPK:       event.ConversationPK,
		Ordinal:              event.Ordinal,
		Attempt:              event.Attempt,
		Model:                event.Model,
		RequestJSON:          event.RequestJSON,
		ResponseHTTPStatus:   event.HTTPStatus,
		ResponseJSON:         event.ResponseJSON,
		ExtractedContentJSON: event.ContentJSON,
		ParseOK:              event.ParseOK,
		ValidationOK:         event.ValidationOK,
		ErrorMessage:         event.Err,
	})
}
