package inference

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("bad fixture %s: %v", raw, err)
	}
	return v
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "AgentItems",
			raw: `[{"type":"message","role":"assistant","content":[
				{"type":"output_text","text":"Part A"},{"type":"text","text":"Part B"}]}]`,
			want: "Part A\n\nPart B",
		},
		{
			name: "AgentItemsLastAssistantWins",
			raw: `[
				{"type":"message","role":"assistant","content":[{"type":"output_text","text":"draft"}]},
				{"type":"function_call","name":"search"},
				{"type":"message","role":"user","content":[{"type":"text","text":"ignored"}]},
				{"type":"message","role":"assistant","content":[{"type":"output_text","text":"final"},{"type":"refusal","text":"skip"}]}
			]`,
			want: "final",
		},
		{
			name: "AgentItemsWithoutTextFallsThrough",
			raw:  `[{"type":"message","role":"assistant","content":[{"type":"image","url":"x"}]}]`,
			want: NoResponseText,
		},
		{
			name: "ChatCompletion",
			raw:  `{"choices":[{"message":{"role":"assistant","content":"Hello"}}],"output":"not me"}`,
			want: "Hello",
		},
		{
			name: "OutputString",
			raw:  `{"output":"from output","content":"not me"}`,
			want: "from output",
		},
		{
			name: "OutputObjectStringified",
			raw:  `{"output":{"answer":42}}`,
			want: `{"answer":42}`,
		},
		{
			name: "Content",
			raw:  `{"content":"from content","response":"not me"}`,
			want: "from content",
		},
		{
			name: "Response",
			raw:  `{"response":"from response","predictions":["not me"]}`,
			want: "from response",
		},
		{
			name: "Predictions",
			raw:  `{"predictions":["first","second"]}`,
			want: "first",
		},
		{
			name: "PredictionObject",
			raw:  `{"predictions":[{"label":"spam"}]}`,
			want: `{"label":"spam"}`,
		},
		{
			name: "BareString",
			raw:  `"just text"`,
			want: "just text",
		},
		{
			name: "EmptyObject",
			raw:  `{}`,
			want: NoResponseText,
		},
		{
			name: "EmptyChoicesFallsThrough",
			raw:  `{"choices":[],"content":"backup"}`,
			want: "backup",
		},
		{
			name: "EmptyPredictions",
			raw:  `{"predictions":[]}`,
			want: NoResponseText,
		},
		{
			name: "Number",
			raw:  `17`,
			want: NoResponseText,
		},
		{
			name: "Null",
			raw:  `null`,
			want: NoResponseText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(decode(t, tt.raw)); got != tt.want {
				t.Errorf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractText_RecognizedShapesAreNonEmpty(t *testing.T) {
	shapes := []string{
		`[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"a"}]}]`,
		`{"choices":[{"message":{"content":"b"}}]}`,
		`{"output":"c"}`,
		`{"predictions":["d"]}`,
		`"e"`,
	}
	for _, raw := range shapes {
		got := ExtractText(decode(t, raw))
		if got == "" || got == NoResponseText {
			t.Errorf("ExtractText(%s) = %q, want extracted text", raw, got)
		}
	}
}

func TestExtractText_GoValues(t *testing.T) {
	// Callers may hand over values that were never JSON-decoded.
	if got := ExtractText(nil); got != NoResponseText {
		t.Errorf("ExtractText(nil) = %q", got)
	}
	if got := ExtractText(map[string]any{"output": []any{"x", 1.0}}); got != `["x",1]` {
		t.Errorf("ExtractText(list output) = %q", got)
	}
	if got := ExtractText([]any{"not a map", 3}); got != NoResponseText {
		t.Errorf("ExtractText(odd array) = %q", got)
	}
}
