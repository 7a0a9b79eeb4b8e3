package extraction

import (
	"strings"
	"testing"

	"github.com/haasonsaas/recall/internal/tokens"
	"github.com/haasonsaas/recall/pkg/models"
)

func TestChunkTranscriptEmpty(t *testing.T) {
	chunks := ChunkTranscript(nil, 100, tokens.HeuristicCounter{})
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for empty transcript", len(chunks))
	}
}

func TestChunkTranscriptSingleWindow(t *testing.T) {
	transcript := []models.TranscriptTurn{
		{Role: models.RoleAgent, Text: "Hello"},
		{Role: models.RoleUser, Text: "Hi there"},
	}
	chunks := ChunkTranscript(transcript, 8000, tokens.HeuristicCounter{})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !strings.Contains(chunks[0], "agent: Hello") || !strings.Contains(chunks[0], "user: Hi there") {
		t.Errorf("chunk = %q", chunks[0])
	}
}

func TestChunkTranscriptSplitsOnTurnBoundaries(t *testing.T) {
	// Each turn is ~25 heuristic tokens; a 40-token window fits one turn
	// per chunk but never splits a turn.
	long := strings.Repeat("word ", 20)
	transcript := []models.TranscriptTurn{
		{Role: models.RoleUser, Text: long},
		{Role: models.RoleUser, Text: long},
		{Role: models.RoleUser, Text: long},
	}
	chunks := ChunkTranscript(transcript, 40, tokens.HeuristicCounter{})
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if strings.Count(c, "user:") != 1 {
			t.Errorf("chunk %d holds %d turns", i, strings.Count(c, "user:"))
		}
	}
}

func TestChunkTranscriptPreservesOrder(t *testing.T) {
	transcript := []models.TranscriptTurn{
		{Role: models.RoleUser, Text: "first " + strings.Repeat("x ", 30)},
		{Role: models.RoleUser, Text: "second " + strings.Repeat("x ", 30)},
	}
	chunks := ChunkTranscript(transcript, 20, tokens.HeuristicCounter{})
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if !strings.Contains(chunks[0], "first") || !strings.Contains(chunks[1], "second") {
		t.Errorf("order lost: %q / %q", chunks[0], chunks[1])
	}
}

func TestChunkTranscriptOversizedTurnBecomesOwnChunk(t *testing.T) {
	transcript := []models.TranscriptTurn{
		{Role: models.RoleUser, Text: strings.Repeat("a", 1000)},
	}
	chunks := ChunkTranscript(transcript, 10, tokens.HeuristicCounter{})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 unsplit turn", len(chunks))
	}
}
