package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/tetraminz/collection_phases/internal/phase"
)

func TestClassifyUsesStrictSchema(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{responses: []fakeResponse{
		completion(`{"phase":"INFORMACION_DEUDA","confidence":0.8,"is_noise":false,"reason":"states the amount"}`),
	}}
	sink := &recordingSink{}
	client := newTestClient(t, transport, sink, 2)

	got, err := client.Classify(context.Background(), testTurn())
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got.Phase != phase.InformacionDeuda {
		t.Fatalf("phase mismatch: got %q want %q", got.Phase, phase.InformacionDeuda)
	}
	if got.Confidence != 0.8 || got.Attempts != 1 {
		t.Fatalf("result mismatch: %+v", got)
	}

	if len(transport.requests) != 1 {
		t.Fatalf("request count mismatch: got %d want 1", len(transport.requests))
	}
	var payload map[string]any
	if err := json.Unmarshal(transport.requests[0], &payload); err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	if got, want := payload["model"], "deepseek-chat"; got != want {
		t.Fatalf("model got %v want %v", got, want)
	}
	responseFormat, ok := payload["response_format"].(map[string]any)
	if !ok {
		t.Fatalf("response_format missing in request")
	}
	if got, want := responseFormat["type"], "json_schema"; got != want {
		t.Fatalf("response_format.type got %v want %v", got, want)
	}
	jsonSchema, ok := responseFormat["json_schema"].(map[string]any)
	if !ok {
		t.Fatalf("response_format.json_schema missing in request")
	}
	if got, want := jsonSchema["name"], classificationSchemaName; got != want {
		t.Fatalf("json_schema.name got %v want %v", got, want)
	}
	if got, want := jsonSchema["strict"], true; got != want {
		t.Fatalf("json_schema.strict got %v want %v", got, want)
	}
	if !strings.Contains(string(transport.requests[0]), "turn 4 (TARGET)") {
		t.Fatalf("user prompt does not mark the target turn: %s", transport.requests[0])
	}

	if len(sink.events) != 1 {
		t.Fatalf("event count mismatch: got %d want 1", len(sink.events))
	}
	event := sink.events[0]
	if !event.ParseOK || !event.ValidationOK || event.HTTPStatus != http.StatusOK || event.Err != "" {
		t.Fatalf("event mismatch: %+v", event)
	}
	if event.ConversationPK != 7 || event.Ordinal != 4 || event.Attempt != 1 {
		t.Fatalf("event addressing mismatch: %+v", event)
	}
}

func TestClassifyRetriesInvalidAnswer(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{responses: []fakeResponse{
		completion(`not json`),
		completion(`{"phase":"NEGOCIACION","confidence":1.7,"is_noise":false,"reason":""}`),
		completion(`{"phase":"negociacion","confidence":0.7,"is_noise":false,"reason":"offer"}`),
	}}
	sink := &recordingSink{}
	client := newTestClient(t, transport, sink, 3)

	got, err := client.Classify(context.Background(), testTurn())
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if got.Phase != phase.Negociacion || got.Attempts != 3 {
		t.Fatalf("result mismatch: %+v", got)
	}
	if len(sink.events) != 3 {
		t.Fatalf("event count mismatch: got %d want 3", len(sink.events))
	}
	if sink.events[0].ParseOK {
		t.Fatalf("first attempt should not parse: %+v", sink.events[0])
	}
	if !sink.events[1].ParseOK || sink.events[1].ValidationOK {
		t.Fatalf("second attempt should parse but fail validation: %+v", sink.events[1])
	}
}

func TestClassifyGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{responses: []fakeResponse{
		completion(`{}`),
		completion(`{}`),
	}}
	client := newTestClient(t, transport, nil, 2)

	_, err := client.Classify(context.Background(), testTurn())
	if !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("expected ErrInvalidAnswer, got %v", err)
	}
	if len(transport.requests) != 2 {
		t.Fatalf("request count mismatch: got %d want 2", len(transport.requests))
	}
}

func TestClassifyRecordsHTTPStatus(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{responses: []fakeResponse{
		{status: http.StatusInternalServerError, body: `{"error":{"message":"boom","type":"server_error"}}`},
	}}
	sink := &recordingSink{}
	client := newTestClient(t, transport, sink, 1)

	_, err := client.Classify(context.Background(), testTurn())
	if err == nil {
		t.Fatal("expected error for server failure")
	}
	if errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("transport failure reported as invalid answer: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].HTTPStatus != http.StatusInternalServerError || sink.events[0].Err == "" {
		t.Fatalf("event mismatch: %+v", sink.events)
	}
}

func TestClassifyNoise(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{responses: []fakeResponse{
		completion(`{"phase":"","confidence":0.9,"is_noise":true,"reason":"voicemail"}`),
	}}
	client := newTestClient(t, transport, nil, 1)

	got, err := client.Classify(context.Background(), testTurn())
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if !got.IsNoise || got.Phase != phase.None || got.Confidence != 0 {
		t.Fatalf("noise result mismatch: %+v", got)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{APIKey: "  "}, nil); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		label string
		want  phase.Phase
	}{
		{label: "CIERRE", want: phase.Cierre},
		{label: " formalizacion pago ", want: phase.FormalizacionPago},
		{label: "IDENTIFICASION", want: phase.Identificacion},
		{label: "DESPEDIDA", want: phase.None},
		{label: "", want: phase.None},
	}
	for _, tc := range cases {
		got, score := Canonicalize(tc.label)
		if got != tc.want {
			t.Fatalf("Canonicalize(%q) got %q (%.3f) want %q", tc.label, got, score, tc.want)
		}
	}
}

func TestParseAnswerStripsCodeFence(t *testing.T) {
	t.Parallel()

	got, err := parseAnswer("```json\n{\"phase\":\"CIERRE\",\"confidence\":0.5,\"is_noise\":false,\"reason\":\"\"}\n```")
	if err != nil {
		t.Fatalf("parseAnswer error: %v", err)
	}
	if got.Phase == nil || *got.Phase != "CIERRE" {
		t.Fatalf("phase mismatch: %+v", got)
	}
}

func newTestClient(t *testing.T, transport http.RoundTripper, sink EventSink, attempts int) *Client {
	t.Helper()

	client, err := New(Config{
		APIKey:      "test-api-key",
		BaseURL:     "http://classifier.test/v1/",
		MaxAttempts: attempts,
		HTTPClient:  &http.Client{Transport: transport},
	}, sink)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return client
}

func testTurn() TurnContext {
	return TurnContext{
		ConversationPK: 7,
		ConversationID: "call-7",
		Ordinal:        4,
		TotalTurns:     9,
		Speaker:        "AGENTE",
		Text:           "usted registra un saldo pendiente de 350 soles",
		PrevPhase:      phase.Identificacion,
		LastPhase:      phase.Identificacion,
		LastConfidence: 0.71,
		LastSource:     phase.SourceRules,
		Window: []ContextLine{
			{Ordinal: 3, Speaker: "CLIENTE", Text: "si, con el habla"},
			{Ordinal: 4, Speaker: "AGENTE", Text: "usted registra un saldo pendiente de 350 soles"},
			{Ordinal: 5, Speaker: "CLIENTE", Text: "ya se"},
		},
	}
}

func completion(content string) fakeResponse {
	body := `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"deepseek-chat",` +
		`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` +
		strconv.Quote(content) + `}}]}`
	return fakeResponse{status: http.StatusOK, body: body}
}

type fakeResponse struct {
	status int
	body   string
}

type fakeTransport struct {
	mu        sync.Mutex
	responses []fakeResponse
	requests  [][]byte
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]byte(nil), body...))
	if len(f.responses) == 0 {
		return nil, errors.New("unexpected request")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     header,
		Request:    req,
	}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) RecordEvent(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}
