package text_test

import (
	"testing"

	"github.com/book-expert/audiobook-pipeline/internal/tts/text"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"whitespace only", " \n\t ", ""},
		{"adds period", "Hello world", "Hello world."},
		{"keeps question", "Is it?", "Is it?"},
		{"abbreviations", "Mr. Smith met Dr. Jones", "Mister Smith met Doctor Jones."},
		{"small number", "There are 3 cars.", "There are three cars."},
		{"grouped number", "It cost 1,250 dollars", "It cost one thousand two hundred fifty dollars."},
		{"huge number kept", "Population 12345678.", "Population 12345678."},
		{"repeated marks", "Wait!!! Really??", "Wait! Really?"},
		{"smart quotes", "He said, “Hello.”", `He said, "Hello."`},
		{"collapses whitespace", "Line one\nand\tline  two", "Line one and line two."},
		{"ellipsis char", "So…", "So..."},
		{"em dash", "A pause—then more", "A pause - then more."},
		{"trailing comma", "and then,", "and then."},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, normalizer.Normalize(tc.input))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	for _, input := range []string{
		"Mr. Smith paid 1,999 coins—twice!!!",
		"“Quoted,” she said",
		"Chapter 12",
	} {
		once := normalizer.Normalize(input)
		assert.Equal(t, once, normalizer.Normalize(once), input)
	}
}

func TestIntegerToWords(t *testing.T) {
	t.Parallel()

	testCases := map[int]string{
		0:       "zero",
		7:       "seven",
		13:      "thirteen",
		40:      "forty",
		42:      "forty two",
		100:     "one hundred",
		105:     "one hundred five",
		1000:    "one thousand",
		1999:    "one thousand nine hundred ninety nine",
		250000:  "two hundred fifty thousand",
		999999:  "nine hundred ninety nine thousand nine hundred ninety nine",
		1000000: "1000000",
	}

	for input, expected := range testCases {
		assert.Equal(t, expected, text.IntegerToWords(input), input)
	}
}
