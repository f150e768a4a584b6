package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractZIP(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		text string
		want string
	}{
		{"direct", "my zip is 78701", "78701"},
		{"direct with punctuation", "78701.", "78701"},
		{"split digits", "78 and 701", "78701"},
		{"spoken digits", "seven eight seven zero one", "78701"},
		{"spoken with oh", "seven eight seven oh one", "78701"},
		{"mixed spoken and numeric", "seven 8 7 zero 1", "78701"},
		{"number words", "seventy eight thousand seven hundred and one", "78701"},
		{"number words with filler", "it is seventy eight thousand seven hundred and one", "78701"},
		{"too few digits", "787", ""},
		{"no digits", "I don't remember", ""},
		{"word number out of range", "five hundred", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ExtractZIP(tc.text))
		})
	}
}

func TestEnforceVoiceFirst(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   ", ""},
		{"adds terminal punctuation", "Hello there", "Hello there."},
		{"collapses whitespace", "Hello   there.  How  are you?", "Hello there. How are you?"},
		{"truncates to two sentences", "One. Two. Three.", "One. Two."},
		{"preserves decimals", "Can you pay the $240.00 balance today?", "Can you pay the $240.00 balance today?"},
		{"second question becomes statement", "Are you there? Can you hear me?", "Are you there? Can you hear me."},
		{"single sentence kept", "Goodbye!", "Goodbye!"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, enforceVoiceFirst(tc.in))
		})
	}
}
