package suggest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"settleflow/chat"
	"settleflow/dispute"
)

const systemPrompt = "You are a helpful legal dispute mediator who outputs only valid JSON."

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// BuildPrompt renders the mediator prompt from the dispute and its chat thread.
func BuildPrompt(rec dispute.Record, messages []chat.Message) string {
	amount := "N/A"
	if rec.AmountDisputed != nil {
		amount = strconv.FormatFloat(*rec.AmountDisputed, 'f', 2, 64)
	}

	var transcript strings.Builder
	for _, m := range messages {
		name := m.SenderName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, m.Content)
	}
	history := strings.TrimSpace(transcript.String())
	if history == "" {
		history = "No chat history yet."
	}

	var b strings.Builder
	b.WriteString("You are an expert legal mediator. Provide fair, unbiased and actionable resolution options for the following dispute.\n\n")
	b.WriteString("DISPUTE DETAILS:\n")
	fmt.Fprintf(&b, "Title: %s\nCategory: %s\nDescription: %s\nAmount Disputed: %s\n\n", rec.Title, rec.Category, rec.Description, amount)
	b.WriteString("CHAT HISTORY (between plaintiff and defendant):\n")
	b.WriteString(history)
	b.WriteString("\n\n")
	b.WriteString(`Respond in strict JSON with this structure:
{"analysis": "A detailed analysis of the situation.", "suggestions": [{"id": 1, "text": "First resolution option"}, {"id": 2, "text": "Second resolution option"}, {"id": 3, "text": "Third resolution option"}]}
Do not wrap the JSON in markdown.`)
	return b.String()
}

type rawSuggestion struct {
	ID   json.RawMessage `json:"id"`
	Text string          `json:"text"`
}

type rawResult struct {
	Analysis    *string         `json:"analysis"`
	Suggestions []rawSuggestion `json:"suggestions"`
}

// Parse extracts the analysis and options from model output. Markdown fences
// are stripped; if the output is not JSON the first {...} block is tried, and
// failing that the whole text becomes the analysis with no options.
func Parse(content string) (string, []dispute.Suggestion) {
	content = strings.ReplaceAll(content, "```json", "")
	content = strings.ReplaceAll(content, "```", "")
	content = strings.TrimSpace(content)

	var res rawResult
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		block := jsonObject.FindString(content)
		if block == "" || json.Unmarshal([]byte(block), &res) != nil {
			return content, nil
		}
	}

	analysis := "No analysis provided."
	if res.Analysis != nil && strings.TrimSpace(*res.Analysis) != "" {
		analysis = strings.TrimSpace(*res.Analysis)
	}

	out := make([]dispute.Suggestion, 0, len(res.Suggestions))
	for i, s := range res.Suggestions {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, dispute.Suggestion{ID: suggestionID(s.ID, i+1), Text: text})
	}
	return analysis, out
}

// suggestionID accepts numeric or string ids and falls back to the position.
func suggestionID(raw json.RawMessage, fallback int) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
