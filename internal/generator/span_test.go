package generator

import (
	"reflect"
	"testing"
)

func TestSplitSpansSentences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "simple sentences",
			input:    "Hello world. How are you? I'm fine!",
			expected: []string{"Hello world.", "How are you?", "I'm fine!"},
		},
		{
			name:     "newlines between sentences",
			input:    "First sentence.\nSecond sentence.",
			expected: []string{"First sentence.", "Second sentence."},
		},
		{
			name:     "ellipsis stays in one span",
			input:    "Wait... Done!",
			expected: []string{"Wait...", "Done!"},
		},
		{
			name:     "trailing text without punctuation",
			input:    "The door creaks open",
			expected: []string{"The door creaks open"},
		},
		{
			name:     "empty input",
			input:    "   ",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSpans(tt.input, 240)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestSplitSpansLongRun(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "word "
	}
	spans := SplitSpans(long, 60)
	if len(spans) < 2 {
		t.Fatalf("expected long text split into multiple spans, got %d", len(spans))
	}
	for _, s := range spans {
		if len(s) > 70 {
			t.Fatalf("span exceeds limit: %q", s)
		}
	}
}
