package abstraction

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = toSet(`a an the is are was were be been being have has had do does did will would
should can could may might must of to in on at for with about against between into through during
before after above below from up down out off over under again further then once here there when
where why how all any both each few more most other some such no nor not only own same so than too
very s t just don should've now i me my myself we our ours ourselves you your yours yourself
yourselves he him his himself she her hers herself it its itself they them their theirs themselves
what which who whom this that these those am and or but if because as until while`)

func toSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

func isHan(r rune) bool { return unicode.Is(unicode.Han, r) }

// script classifies text as "han", "latin", "mixed" or "other".
func script(text string) string {
	var han, latin int
	for _, r := range text {
		switch {
		case isHan(r):
			han++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	switch {
	case han > 0 && latin > 0:
		return "mixed"
	case han > 0:
		return "han"
	case latin > 0:
		return "latin"
	}
	return "other"
}

// tokens lowercases text into words. Runs of Han characters, which carry no
// spaces, become overlapping bigrams.
func tokens(text string) []string {
	var out []string
	var word []rune
	var han []rune

	flushWord := func() {
		if len(word) > 0 {
			out = append(out, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	flushHan := func() {
		switch {
		case len(han) == 1:
			out = append(out, string(han))
		case len(han) > 1:
			for i := 0; i+1 < len(han); i++ {
				out = append(out, string(han[i:i+2]))
			}
		}
		han = han[:0]
	}

	for _, r := range text {
		switch {
		case isHan(r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return out
}

// topKeywords returns up to n non-stopword tokens by frequency, breaking ties
// by first appearance.
func topKeywords(text string, n int) []string {
	counts := map[string]int{}
	first := map[string]int{}
	for i, tok := range tokens(text) {
		tok = strings.Trim(tok, "'")
		if tok == "" || stopwords[tok] {
			continue
		}
		if _, ok := first[tok]; !ok {
			first[tok] = i
		}
		counts[tok]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return first[words[i]] < first[words[j]]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// firstSentence returns text up to and including the first sentence terminator.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			next := text[i+1:]
			if next == "" || strings.IndexFunc(next[:1], unicode.IsSpace) == 0 {
				return strings.TrimSpace(text[:i+1])
			}
		case '。', '！', '？', '\n':
			return strings.TrimSpace(text[:i+len(string(r))])
		}
	}
	return text
}

// truncateRunes cuts s to at most n runes, preferring a word boundary.
func truncateRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	cut := string(r[:n])
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
