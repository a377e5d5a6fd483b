// Package text normalises chunk text before it is sent to the TTS model.
// Normalisation is deterministic and idempotent: normalising already
// normalised text returns it unchanged.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	numberBaseTen      = 10
	numberBaseTwenty   = 20
	numberBaseHundred  = 100
	numberBaseThousand = 1000
	// MaxNumberForWords is the largest integer spelled out; larger ones are kept as digits.
	MaxNumberForWords = 999999
)

const (
	numberRegexPattern     = `\d{1,3}(?:,\d{3})+|\d+`
	whitespaceRegexPattern = `\s+`
	ellipsis               = "..."
)

// repeatable lists the marks collapsed when they repeat, as in "Wait!!!".
var repeatable = []string{"!", "?", ",", ";", ":"}

// Normalizer rewrites text into a form the acoustic model reads reliably.
type Normalizer struct {
	numberPattern     *regexp.Regexp
	whitespacePattern *regexp.Regexp
	repeatPatterns    map[string]*regexp.Regexp
	symbolReplacer    *strings.Replacer
	abbreviations     *strings.Replacer
}

// NewNormalizer compiles the patterns used by Normalize.
func NewNormalizer() *Normalizer {
	repeatPatterns := make(map[string]*regexp.Regexp, len(repeatable))
	for _, mark := range repeatable {
		repeatPatterns[mark] = regexp.MustCompile(regexp.QuoteMeta(mark) + `{2,}`)
	}

	return &Normalizer{
		numberPattern:     regexp.MustCompile(numberRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		repeatPatterns:    repeatPatterns,
		symbolReplacer: strings.NewReplacer(
			"—", " - ", "–", "-", "‒", "-",
			"…", ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			" ", " ",
		),
		abbreviations: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Missus",
			"Ms.", "Miz",
			"Dr.", "Doctor",
			"Prof.", "Professor",
			"Jr.", "Junior",
			"Sr.", "Senior",
			"vs.", "versus",
			"etc.", "et cetera",
		),
	}
}

// Normalize returns the text to synthesise for a chunk. Empty or
// whitespace-only input yields the empty string.
func (n *Normalizer) Normalize(input string) string {
	normalized := n.symbolReplacer.Replace(input)
	normalized = n.abbreviations.Replace(normalized)
	normalized = n.normalizeNumbers(normalized)
	normalized = n.whitespacePattern.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(normalized)

	for _, mark := range repeatable {
		normalized = n.repeatPatterns[mark].ReplaceAllString(normalized, mark)
	}

	return ensureSentenceEnding(normalized)
}

func (n *Normalizer) normalizeNumbers(input string) string {
	return n.numberPattern.ReplaceAllStringFunc(input, func(match string) string {
		number, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
		if err != nil || number > MaxNumberForWords {
			return match
		}

		return IntegerToWords(number)
	})
}

// ensureSentenceEnding appends a period unless the text already ends a
// sentence, possibly followed by a closing quote or bracket.
func ensureSentenceEnding(input string) string {
	if input == "" {
		return ""
	}

	trimmed := strings.TrimRightFunc(input, func(r rune) bool {
		return r == '"' || r == '\'' || r == ')' || r == ']'
	})

	last, _ := utf8.DecodeLastRuneInString(trimmed)
	switch last {
	case '.', '!', '?':
		return input
	}

	if unicode.IsPunct(last) && trimmed == input {
		return strings.TrimRightFunc(input, unicode.IsPunct) + "."
	}

	return input + "."
}

var (
	onesWords = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen",
		"sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
	}
)

// IntegerToWords spells out a non-negative integer up to MaxNumberForWords.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number < numberBaseThousand {
		return underThousand(number)
	}

	words := underThousand(number/numberBaseThousand) + " thousand"
	if rest := number % numberBaseThousand; rest > 0 {
		words += " " + underThousand(rest)
	}

	return words
}

func underThousand(number int) string {
	if number < numberBaseHundred {
		return underHundred(number)
	}

	words := onesWords[number/numberBaseHundred] + " hundred"
	if rest := number % numberBaseHundred; rest > 0 {
		words += " " + underHundred(rest)
	}

	return words
}

func underHundred(number int) string {
	if number < numberBaseTwenty {
		return onesWords[number]
	}

	words := tensWords[number/numberBaseTen]
	if rest := number % numberBaseTen; rest > 0 {
		words += " " + onesWords[rest]
	}

	return words
}
