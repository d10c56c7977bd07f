package suggest

import (
	"strings"
	"testing"

	"settleflow/chat"
	"settleflow/dispute"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		analysis string
		ids      []int
	}{
		{
			name:     "plain json",
			content:  `{"analysis":"Both sides share blame.","suggestions":[{"id":1,"text":"Split 50/50"},{"id":2,"text":"Refund"}]}`,
			analysis: "Both sides share blame.",
			ids:      []int{1, 2},
		},
		{
			name:     "fenced with string ids",
			content:  "```json\n{\"analysis\":\"x\",\"suggestions\":[{\"id\":\"3\",\"text\":\"Pay\"}]}\n```",
			analysis: "x",
			ids:      []int{3},
		},
		{
			name:     "embedded object",
			content:  `Sure! Here you go: {"analysis":"y","suggestions":[{"text":"A"},{"id":"b","text":"B"}]} Thanks.`,
			analysis: "y",
			ids:      []int{1, 2},
		},
		{
			name:     "null analysis",
			content:  `{"analysis":null,"suggestions":null}`,
			analysis: "No analysis provided.",
		},
		{
			name:     "not json",
			content:  "I cannot help with that.",
			analysis: "I cannot help with that.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analysis, got := Parse(tc.content)
			if analysis != tc.analysis {
				t.Fatalf("analysis = %q, want %q", analysis, tc.analysis)
			}
			if len(got) != len(tc.ids) {
				t.Fatalf("got %d suggestions, want %d", len(got), len(tc.ids))
			}
			for i, id := range tc.ids {
				if got[i].ID != id {
					t.Fatalf("suggestion %d id = %d, want %d", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	amount := 1250.5
	rec := dispute.Record{Title: "Broken fence", Category: "Property", Description: "Neighbour damaged it", AmountDisputed: &amount}
	prompt := BuildPrompt(rec, []chat.Message{{SenderName: "Alice", Content: "You owe me"}, {Content: "No"}})

	for _, want := range []string{"Title: Broken fence", "Amount Disputed: 1250.50", "Alice: You owe me", "Unknown: No"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.Contains(BuildPrompt(dispute.Record{}, nil), "No chat history yet.") {
		t.Error("empty thread should be called out")
	}
}
