package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConversationFileOrdersTurnsByIndex(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "banco__0_llamada.csv")
	content := "" +
		"Conversation_id,Turn_idx,Speaker,Text,Phase,Confidence,Source\n" +
		"banco__0_llamada,2,Cliente,sí dígame,,,\n" +
		"banco__0_llamada,0,Asesor,\"Buenos días, le llamo por su deuda\",APERTURA,0.9,rules\n" +
		"banco__0_llamada,1,Asesor,¿hablo con el titular?,,,\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	conversation, err := LoadConversationFile(path)
	if err != nil {
		t.Fatalf("LoadConversationFile error: %v", err)
	}

	if got, want := conversation.ConversationID, "banco__0_llamada"; got != want {
		t.Fatalf("conversation id mismatch: got %q want %q", got, want)
	}
	if got, want := len(conversation.Turns), 3; got != want {
		t.Fatalf("turn count mismatch: got %d want %d", got, want)
	}
	for i, turn := range conversation.Turns {
		if got, want := turn.Ordinal, i+1; got != want {
			t.Fatalf("ordinal %d mismatch: got %d want %d", i, got, want)
		}
	}
	first := conversation.Turns[0]
	if got, want := first.Text, "Buenos días, le llamo por su deuda"; got != want {
		t.Fatalf("first text mismatch: got %q want %q", got, want)
	}
	if first.Speaker != SpeakerAgent || first.Phase != "APERTURA" || first.Source != "RULES" || first.Confidence != 0.9 {
		t.Fatalf("first turn mismatch: %+v", first)
	}
	if got, want := conversation.Turns[2].Speaker, SpeakerCustomer; got != want {
		t.Fatalf("third speaker mismatch: got %q want %q", got, want)
	}
}

func TestLoadConversationFileAcceptsChunkIDHeader(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "legacy.csv")
	content := "" +
		"\ufeffConversation,Chunk_id,Speaker,Text,Embedding\n" +
		",5,Sales Rep,hola,[]\n" +
		",7,Customer,aló,[]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	conversation, err := LoadConversationFile(path)
	if err != nil {
		t.Fatalf("LoadConversationFile error: %v", err)
	}
	if got, want := conversation.ConversationID, "legacy"; got != want {
		t.Fatalf("conversation id fallback mismatch: got %q want %q", got, want)
	}
	if got, want := conversation.Turns[1].Ordinal, 2; got != want {
		t.Fatalf("renumbered ordinal mismatch: got %d want %d", got, want)
	}
}

func TestLoadConversationFileRejectsMissingColumns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("speaker,text\nagente,hola\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if _, err := LoadConversationFile(path); err == nil || !strings.Contains(err.Error(), "missing required columns") {
		t.Fatalf("expected missing columns error, got %v", err)
	}
}

func TestLoadConversationsFiltersAndLimits(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	for _, name := range []string{"b_2.csv", "a_1.csv", "b_1.csv", "notes.txt"} {
		content := "conversation_id,turn_idx,speaker,text\n" + name + ",1,agente,hola\n"
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	conversations, err := LoadConversations(tempDir, "b_", 1)
	if err != nil {
		t.Fatalf("LoadConversations error: %v", err)
	}
	if got, want := len(conversations), 1; got != want {
		t.Fatalf("conversation count mismatch: got %d want %d", got, want)
	}
	if got, want := conversations[0].ConversationID, "b_1.csv"; got != want {
		t.Fatalf("first conversation mismatch: got %q want %q", got, want)
	}

	if _, err := LoadConversations(tempDir, "", -1); err == nil {
		t.Fatalf("expected error for negative limit")
	}
}

func TestReadJSONLGroupsByFirstAppearance(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`{"conversation_id":"c2","speaker":"agent","text":"hola"}`,
		`{"conversation_id":"c1","turn_idx":3,"speaker":"customer","text":"sí"}`,
		``,
		`{"conversation_id":"c2","speaker":"cliente","text":"aló","phase":"APERTURA","confidence":0.7,"source":"human"}`,
		`{"conversation_id":"c1","turn_idx":1,"speaker":"asesor","text":"buenas"}`,
	}, "\n")

	conversations, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL error: %v", err)
	}
	if got, want := len(conversations), 2; got != want {
		t.Fatalf("conversation count mismatch: got %d want %d", got, want)
	}
	if got, want := conversations[0].ConversationID, "c2"; got != want {
		t.Fatalf("first conversation mismatch: got %q want %q", got, want)
	}
	c2 := conversations[0].Turns
	if c2[1].Phase != "APERTURA" || c2[1].Source != "HUMAN" || c2[1].Confidence != 0.7 || c2[1].Ordinal != 2 {
		t.Fatalf("c2 second turn mismatch: %+v", c2[1])
	}
	c1 := conversations[1].Turns
	if got, want := c1[0].Text, "buenas"; got != want {
		t.Fatalf("c1 order mismatch: got %q want %q", got, want)
	}
	if got, want := c1[1].Ordinal, 2; got != want {
		t.Fatalf("c1 ordinal mismatch: got %d want %d", got, want)
	}
}

func TestReadJSONLRejectsMissingConversation(t *testing.T) {
	t.Parallel()

	_, err := ReadJSONL(strings.NewReader(`{"speaker":"agente","text":"hola"}`))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line error, got %v", err)
	}
}

func TestCanonicalSpeaker(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Agente":    SpeakerAgent,
		"Sales Rep": SpeakerAgent,
		" ASESOR ":  SpeakerAgent,
		"Customer":  SpeakerCustomer,
		"cliente":   SpeakerCustomer,
		"IVR":       SpeakerUnknown,
		"":          SpeakerUnknown,
	}
	for in, want := range cases {
		if got := CanonicalSpeaker(in); got != want {
			t.Fatalf("CanonicalSpeaker(%q) mismatch: got %q want %q", in, got, want)
		}
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()

	c := Conversation{Turns: []Turn{{Speaker: SpeakerAgent, Text: "hola"}, {Speaker: SpeakerCustomer, Text: "aló"}}}
	if got, want := c.Transcript(), "AGENTE: hola\nCLIENTE: aló"; got != want {
		t.Fatalf("transcript mismatch: got %q want %q", got, want)
	}
}
