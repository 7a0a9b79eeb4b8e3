package extraction

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/recall/internal/tokens"
	"github.com/haasonsaas/recall/pkg/models"
)

// ChunkTranscript splits a transcript into contiguous windows of at most
// maxTokens, breaking only on turn boundaries and preserving order. A single
// turn larger than the window becomes its own chunk rather than being split
// mid-utterance.
func ChunkTranscript(transcript []models.TranscriptTurn, maxTokens int, counter tokens.Counter) []string {
	if maxTokens <= 0 {
		maxTokens = 8000
	}

	var (
		chunks  []string
		current strings.Builder
		used    int
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			used = 0
		}
	}

	for _, turn := range transcript {
		line := formatTurn(turn)
		n := counter.Count(line)
		if used > 0 && used+n > maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
		used += n
	}
	flush()
	return chunks
}

func formatTurn(turn models.TranscriptTurn) string {
	role := string(turn.Role)
	if role == "" {
		role = "user"
	}
	return fmt.Sprintf("%s: %s", role, turn.Text)
}
