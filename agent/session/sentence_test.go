package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     []string
		wantRest string
	}{
		{
			name:     "single complete sentence",
			input:    "Take the medication twice daily. ",
			want:     []string{"Take the medication twice daily."},
			wantRest: "",
		},
		{
			name:     "trailing partial sentence",
			input:    "First point. Second point is still being",
			want:     []string{"First point."},
			wantRest: "Second point is still being",
		},
		{
			name:     "decimal number not split",
			input:    "The dose is 2.5 mg per day. Next",
			want:     []string{"The dose is 2.5 mg per day."},
			wantRest: "Next",
		},
		{
			name:     "multiple terminators grouped",
			input:    "Really?! Yes. ",
			want:     []string{"Really?!", "Yes."},
			wantRest: "",
		},
		{
			name:     "question and exclamation",
			input:    "How are you? I am fine! Still typing",
			want:     []string{"How are you?", "I am fine!"},
			wantRest: "Still typing",
		},
		{
			name:     "no boundary yet",
			input:    "no terminator here",
			want:     nil,
			wantRest: "no terminator here",
		},
		{
			name:     "empty",
			input:    "",
			want:     nil,
			wantRest: "",
		},
		{
			name:     "sentence at end of buffer",
			input:    "Done.",
			want:     []string{"Done."},
			wantRest: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rest := splitSentences(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}
