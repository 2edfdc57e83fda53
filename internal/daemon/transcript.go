package daemon

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// transcriptLine is the subset of the runtime's JSONL transcript schema
// the coordinator cares about: assistant messages and their text blocks.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// readTranscriptTail returns the text of the last assistant message in
// the transcript file, or "" when none is found or the file is
// unreadable.
func (c *Coordinator) readTranscriptTail(path string) string {
	data, err := c.fs.ReadFile(path)
	if err != nil {
		c.Log.Warn("reading transcript", zap.String("path", path), zap.Error(err))
		return ""
	}

	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil {
			continue
		}
		if tl.Type != "assistant" && tl.Message.Role != "assistant" {
			continue
		}
		var parts []string
		for _, block := range tl.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}
