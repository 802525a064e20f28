package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Speaker roles after canonicalization.
const (
	SpeakerAgent    = "AGENTE"
	SpeakerCustomer = "CLIENTE"
	SpeakerUnknown  = "UNKNOWN"
)

// Turn is a single utterance in a conversation. Phase, Confidence and Source
// carry a prior assignment when the input already has one.
type Turn struct {
	Ordinal    int     `json:"turn_idx"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Phase      string  `json:"phase,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Conversation contains parsed turns plus lightweight metadata. Turn ordinals
// are 1-based and contiguous.
type Conversation struct {
	ConversationID string
	SourceFile     string
	Turns          []Turn
}

// Transcript renders the turns as "SPEAKER: text" lines.
func (c Conversation) Transcript() string {
	lines := make([]string, 0, len(c.Turns))
	for _, turn := range c.Turns {
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Speaker, turn.Text))
	}
	return strings.Join(lines, "\n")
}

// LoadConversations reads CSV files from inputDir and returns parsed conversations.
func LoadConversations(inputDir, filterPrefix string, limit int) ([]Conversation, error) {
	if strings.TrimSpace(inputDir) == "" {
		return nil, errors.New("input directory is required")
	}
	if limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}

	paths, err := listCSVFiles(inputDir)
	if err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		if filterPrefix != "" && !strings.HasPrefix(base, filterPrefix) {
			continue
		}

		conversation, err := LoadConversationFile(path)
		if err != nil {
			return nil, err
		}

		conversations = append(conversations, conversation)
		if limit > 0 && len(conversations) >= limit {
			break
		}
	}

	return conversations, nil
}

// LoadConversationFile parses one conversation CSV file.
func LoadConversationFile(path string) (Conversation, error) {
	file, err := os.Open(path)
	if err != nil {
		return Conversation{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Conversation{}, fmt.Errorf("read %q: empty csv", path)
		}
		return Conversation{}, fmt.Errorf("read %q header: %w", path, err)
	}

	idx, err := headerIndexes(header)
	if err != nil {
		return Conversation{}, fmt.Errorf("parse %q header: %w", path, err)
	}

	var conversationID string
	turns := make([]Turn, 0, 32)

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Conversation{}, fmt.Errorf("read %q row: %w", path, err)
		}

		ordinalRaw := strings.TrimSpace(valueAt(record, idx.ordinal))
		if ordinalRaw == "" {
			continue
		}

		ordinal, err := strconv.Atoi(ordinalRaw)
		if err != nil {
			return Conversation{}, fmt.Errorf("parse %q turn index %q: %w", path, ordinalRaw, err)
		}

		speaker := strings.TrimSpace(valueAt(record, idx.speaker))
		text := strings.TrimSpace(valueAt(record, idx.text))
		if speaker == "" && text == "" {
			continue
		}

		if conversationID == "" {
			candidate := strings.TrimSpace(valueAt(record, idx.conversation))
			if candidate != "" {
				conversationID = candidate
			}
		}

		turn := Turn{
			Ordinal: ordinal,
			Speaker: CanonicalSpeaker(speaker),
			Text:    text,
			Phase:   strings.TrimSpace(valueAt(record, idx.phase)),
			Source:  strings.ToUpper(strings.TrimSpace(valueAt(record, idx.source))),
		}
		if raw := strings.TrimSpace(valueAt(record, idx.confidence)); raw != "" {
			confidence, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Conversation{}, fmt.Errorf("parse %q confidence %q: %w", path, raw, err)
			}
			turn.Confidence = confidence
		}
		turns = append(turns, turn)
	}

	if len(turns) == 0 {
		return Conversation{}, fmt.Errorf("parse %q: no turns", path)
	}

	if conversationID == "" {
		conversationID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return Conversation{
		ConversationID: conversationID,
		SourceFile:     filepath.ToSlash(path),
		Turns:          renumber(turns),
	}, nil
}

// jsonlRecord is one JSONL line.
type jsonlRecord struct {
	ConversationID string   `json:"conversation_id"`
	Ordinal        *int     `json:"turn_idx"`
	Speaker        string   `json:"speaker"`
	Text           string   `json:"text"`
	Phase          string   `json:"phase"`
	Confidence     *float64 `json:"confidence"`
	Source         string   `json:"source"`
}

// LoadJSONL reads one turn per line and groups the turns by conversation in
// order of first appearance. Lines without turn_idx are numbered in file order.
func LoadJSONL(path string) ([]Conversation, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	conversations, err := ReadJSONL(file)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	for i := range conversations {
		conversations[i].SourceFile = filepath.ToSlash(path)
	}
	return conversations, nil
}

// ReadJSONL is LoadJSONL over a reader.
func ReadJSONL(r io.Reader) ([]Conversation, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	order := make([]string, 0, 16)
	byID := map[string][]Turn{}
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var rec jsonlRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		id := strings.TrimSpace(rec.ConversationID)
		if id == "" {
			return nil, fmt.Errorf("line %d: conversation_id is required", line)
		}
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}

		turn := Turn{
			Ordinal: len(byID[id]) + 1,
			Speaker: CanonicalSpeaker(rec.Speaker),
			Text:    strings.TrimSpace(rec.Text),
			Phase:   strings.TrimSpace(rec.Phase),
			Source:  strings.ToUpper(strings.TrimSpace(rec.Source)),
		}
		if rec.Ordinal != nil {
			turn.Ordinal = *rec.Ordinal
		}
		if rec.Confidence != nil {
			turn.Confidence = *rec.Confidence
		}
		byID[id] = append(byID[id], turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(order))
	for _, id := range order {
		conversations = append(conversations, Conversation{
			ConversationID: id,
			Turns:          renumber(byID[id]),
		})
	}
	return conversations, nil
}

// renumber sorts turns by their input index and rewrites ordinals to 1..n.
func renumber(turns []Turn) []Turn {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Ordinal < turns[j].Ordinal
	})
	for i := range turns {
		turns[i].Ordinal = i + 1
	}
	return turns
}

// CanonicalSpeaker maps the speaker spellings seen in transcripts to
// AGENTE, CLIENTE or UNKNOWN.
func CanonicalSpeaker(s string) string {
	switch normalizeHeader(s) {
	case "agente", "agent", "asesor", "asesora", "salesrep", "operador", "operadora", "gestor":
		return SpeakerAgent
	case "cliente", "customer", "client", "deudor", "titular":
		return SpeakerCustomer
	}
	return SpeakerUnknown
}

func listCSVFiles(root string) ([]string, error) {
	paths := make([]string, 0, 256)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	sort.Strings(paths)
	return paths, nil
}

func valueAt(record []string, index int) string {
	if index < 0 || index >= len(record) {
		return ""
	}
	return record[index]
}

type columnIndexes struct {
	conversation int
	ordinal      int
	speaker      int
	text         int

	// optional
	phase      int
	confidence int
	source     int
}

func headerIndexes(header []string) (columnIndexes, error) {
	idx := columnIndexes{
		conversation: -1,
		ordinal:      -1,
		speaker:      -1,
		text:         -1,
		phase:        -1,
		confidence:   -1,
		source:       -1,
	}

	for i, col := range header {
		switch normalizeHeader(col) {
		case "conversation_id", "conversationid", "conversation":
			idx.conversation = i
		case "turn_idx", "turnidx", "ordinal", "chunk_id", "chunkid":
			idx.ordinal = i
		case "speaker":
			idx.speaker = i
		case "text":
			idx.text = i
		case "phase":
			idx.phase = i
		case "confidence":
			idx.confidence = i
		case "source":
			idx.source = i
		}
	}

	if idx.conversation == -1 || idx.ordinal == -1 || idx.speaker == -1 || idx.text == -1 {
		return columnIndexes{}, fmt.Errorf("missing required columns in header %v", header)
	}
	return idx, nil
}

func normalizeHeader(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "")
	return s
}
