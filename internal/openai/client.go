// Package openai asks an OpenAI-compatible chat completions endpoint to label
// the turns the phase scorer leaves without a phase.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/tetraminz/collection_phases/internal/phase"
)

const (
	defaultModel       = "deepseek-chat"
	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 2

	// similarityFloor is the Jaro-Winkler similarity a returned label needs
	// to be read as a taxonomy phase.
	similarityFloor = 0.88
	maxContextRunes = 280
)

var (
	ErrNoAPIKey = errors.New("classifier api key is empty")
	// ErrInvalidAnswer is returned when every attempt produced content that
	// could not be parsed or validated.
	ErrInvalidAnswer = errors.New("classifier returned no valid answer")
)

// Classifier labels one turn. The pipeline depends on this interface, so
// tests and offline runs can substitute their own implementation.
type Classifier interface {
	Classify(ctx context.Context, turn TurnContext) (Classification, error)
}

// ContextLine is a neighbouring turn shown to the model.
type ContextLine struct {
	Ordinal int
	Speaker string
	Text    string
}

// TurnContext is the turn being classified plus what surrounds it.
type TurnContext struct {
	ConversationPK int64
	ConversationID string
	Ordinal        int
	TotalTurns     int
	Speaker        string
	Text           string
	PrevPhase      phase.Phase
	NextPhase      phase.Phase
	LastPhase      phase.Phase
	LastConfidence float64
	LastSource     phase.Source
	// Window holds the turns around Ordinal, the target included.
	Window []ContextLine
}

// Classification is a validated model answer. Label keeps the label exactly
// as returned; Phase is its canonical macro-phase or None.
type Classification struct {
	Phase      phase.Phase
	Label      string
	Similarity float64
	Confidence float64
	IsNoise    bool
	Reason     string
	Attempts   int
}

// Event is the audit record of one attempt.
type Event struct {
	ConversationPK int64
	Ordinal        int
	Attempt        int
	Model          string
	RequestJSON    string
	HTTPStatus     int
	ResponseJSON   string
	ContentJSON    string
	ParseOK        bool
	ValidationOK   bool
	Err            string
}

// EventSink receives one Event per attempt. Sink errors do not fail the
// classification.
type EventSink interface {
	RecordEvent(ctx context.Context, event Event) error
}

// Config configures a Client. Zero values take the defaults.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxAttempts int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client calls Chat Completions with strict JSON schema output.
type Client struct {
	client      oai.Client
	model       string
	maxAttempts int
	sink        EventSink
}

var _ Classifier = (*Client)(nil)

// New creates a client. sink may be nil.
func New(cfg Config, sink EventSink) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		// Attempts are counted here so each one is audited.
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}

	return &Client{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		maxAttempts: attempts,
		sink:        sink,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Classify asks the model for the phase of turn. Transport, parse and
// validation failures are retried up to the configured number of attempts.
func (c *Client) Classify(ctx context.Context, turn TurnContext) (Classification, error) {
	params := c.buildParams(turn)
	requestJSON, err := json.Marshal(params)
	if err != nil {
		return Classification{}, fmt.Errorf("marshal classifier request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Classification{}, err
		}
		event := Event{
			ConversationPK: turn.ConversationPK,
			Ordinal:        turn.Ordinal,
			Attempt:        attempt,
			Model:          c.model,
			RequestJSON:    string(requestJSON),
		}
		result, err := c.attempt(ctx, params, &event)
		if err != nil {
			event.Err = err.Error()
		}
		c.record(ctx, event)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err
	}
	if errors.Is(lastErr, ErrInvalidAnswer) {
		return Classification{}, lastErr
	}
	return Classification{}, fmt.Errorf("classify turn %d after %d attempts: %w", turn.Ordinal, c.maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, params oai.ChatCompletionNewParams, event *Event) (Classification, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			event.HTTPStatus = apiErr.StatusCode
		}
		return Classification{}, fmt.Errorf("chat completion: %w", err)
	}
	event.HTTPStatus = http.StatusOK
	event.ResponseJSON = resp.RawJSON()

	if len(resp.Choices) == 0 {
		return Classification{}, fmt.Errorf("%w: empty choices in response", ErrInvalidAnswer)
	}
	message := resp.Choices[0].Message
	if refusal := strings.TrimSpace(message.Refusal); refusal != "" {
		return Classification{}, fmt.Errorf("%w: refusal: %s", ErrInvalidAnswer, refusal)
	}
	content := strings.TrimSpace(message.Content)
	event.ContentJSON = content

	got, err := parseAnswer(content)
	if err != nil {
		return Classification{}, err
	}
	event.ParseOK = true

	result, err := validateAnswer(got)
	if err != nil {
		return Classification{}, err
	}
	event.ValidationOK = true
	return result, nil
}

func (c *Client) record(ctx context.Context, event Event) {
	if c.sink == nil {
		return
	}
	// The audit trail is best effort.
	_ = c.sink.RecordEvent(ctx, event)
}

func (c *Client) buildParams(turn TurnContext) oai.ChatCompletionNewParams {
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(buildUserPrompt(turn)),
		},
		Temperature: oai.Float(0),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   classificationSchemaName,
					Strict: oai.Bool(true),
					Schema: classificationSchema,
				},
			},
		},
	}
}

// parseAnswer extracts the JSON object from the message content. Models that
// ignore the response format sometimes wrap it in a code fence.
func parseAnswer(content string) (answer, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	if content == "" {
		return answer{}, fmt.Errorf("%w: empty content", ErrInvalidAnswer)
	}
	var got answer
	if err := json.Unmarshal([]byte(content), &got); err != nil {
		return answer{}, fmt.Errorf("%w: content is not a json object: %v", ErrInvalidAnswer, err)
	}
	return got, nil
}

func validateAnswer(got answer) (Classification, error) {
	if got.Phase == nil || got.Confidence == nil {
		return Classification{}, fmt.Errorf("%w: phase and confidence are required", ErrInvalidAnswer)
	}
	conf := *got.Confidence
	if conf < 0 || conf > 1 {
		return Classification{}, fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidAnswer, conf)
	}
	label := strings.TrimSpace(*got.Phase)
	out := Classification{
		Label:      label,
		Confidence: conf,
		IsNoise:    got.IsNoise,
		Reason:     strings.TrimSpace(got.Reason),
	}
	if strings.EqualFold(label, string(phase.SourceNoise)) {
		out.IsNoise = true
	}
	if out.IsNoise {
		out.Confidence = 0
		return out, nil
	}
	if label == "" {
		return Classification{}, fmt.Errorf("%w: phase is empty and is_noise is false", ErrInvalidAnswer)
	}

	out.Phase, out.Similarity = Canonicalize(label)
	if out.Phase == phase.None {
		out.Confidence = 0
	}
	return out, nil
}

// Canonicalize maps a model label onto the macro taxonomy. Exact labels are
// returned as they are; otherwise the most similar phase is chosen by
// Jaro-Winkler similarity, and labels below the floor map to None.
func Canonicalize(label string) (phase.Phase, float64) {
	p := phase.Parse(strings.ReplaceAll(strings.TrimSpace(label), " ", "_"))
	if p.Known() {
		return p, 1
	}
	if p == phase.None {
		return phase.None, 0
	}

	best, bestScore := phase.None, 0.0
	for _, candidate := range phase.Sequence {
		score := matchr.JaroWinkler(string(p), string(candidate), false)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < similarityFloor {
		return phase.None, bestScore
	}
	return best, bestScore
}

func buildUserPrompt(turn TurnContext) string {
	var window strings.Builder
	for _, line := range turn.Window {
		speaker := strings.TrimSpace(line.Speaker)
		if speaker == "" {
			speaker = "UNKNOWN"
		}
		marker := ""
		if line.Ordinal == turn.Ordinal {
			marker = " (TARGET)"
		}
		fmt.Fprintf(&window, "turn %d%s: %s: %s\n", line.Ordinal, marker, speaker, flatten(line.Text))
	}
	if window.Len() == 0 {
		fmt.Fprintf(&window, "turn %d (TARGET): %s: %s\n", turn.Ordinal, turn.Speaker, flatten(turn.Text))
	}

	return fmt.Sprintf(`Conversation metadata:
- conversation_id: %s
- target turn: %d of %d
- previous turn phase: %s
- next turn phase: %s
- last labeled phase: %s (confidence %.2f, source %s)

Allowed phases, in script order:
%s

Turns around the target:
%s
Task:
Label the TARGET turn with exactly one allowed phase.
If the turn is noise (ringing, voicemail, unrelated chatter, transcription garbage)
set is_noise to true and phase to an empty string.`,
		turn.ConversationID,
		turn.Ordinal, turn.TotalTurns,
		orDash(turn.PrevPhase), orDash(turn.NextPhase),
		orDash(turn.LastPhase), turn.LastConfidence, orDash(phase.Phase(turn.LastSource)),
		allowedPhases(),
		window.String(),
	)
}

func allowedPhases() string {
	labels := make([]string, len(phase.Sequence))
	for i, p := range phase.Sequence {
		labels[i] = fmt.Sprintf("%d. %s", i+1, p)
	}
	return strings.Join(labels, "\n")
}

func orDash(p phase.Phase) string {
	if p == phase.None {
		return "-"
	}
	return string(p)
}

func flatten(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > maxContextRunes {
		return string(runes[:maxContextRunes])
	}
	return text
}

const systemPrompt = `You label turns of debt collection phone calls with the script phase they belong to.
You MUST output only JSON that matches the provided JSON Schema (strict).
Phases:
- APERTURA: greeting, agent introduction, reason for the call.
- IDENTIFICACION: confirming the debtor's identity (name, document, relationship).
- INFORMACION_DEUDA: amount owed, due dates, product, days in arrears.
- NEGOCIACION: payment offers, discounts, installments, customer objections.
- CONSULTA_ACEPTACION: asking whether the customer accepts a proposal.
- FORMALIZACION_PAGO: agreeing date, amount and channel of the payment.
- ADVERTENCIAS: consequences of not paying, credit bureau reports, legal action.
- CIERRE: farewell, thanks, end of the call.
Use only the provided turns as evidence. Confidence is a number between 0 and 1.
Reason is one short sentence.`
