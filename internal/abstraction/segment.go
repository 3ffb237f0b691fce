package abstraction

import (
	"strings"
)

// SegmentOptions bounds section sizes in bytes.
type SegmentOptions struct {
	Target int
	Max    int
}

// DefaultSegmentOptions returns the default section bounds.
func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{Target: 400, Max: 600}
}

// Section is one contiguous piece of a record's text.
type Section struct {
	Text      string
	StartLine int
	EndLine   int
}

// Segment splits text into sections on headings and paragraph breaks,
// merging short neighbours up to Target and hard-splitting anything over Max.
func Segment(text string, opts SegmentOptions) []Section {
	if opts.Target <= 0 || opts.Max <= 0 {
		opts = DefaultSegmentOptions()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.Max {
		return []Section{{Text: text, StartLine: 1, EndLine: strings.Count(text, "\n") + 1}}
	}
	return pack(paragraphs(text), opts)
}

// paragraphs splits on markdown headings and blank lines.
func paragraphs(text string) []Section {
	lines := strings.Split(text, "\n")
	var out []Section
	var cur []string
	start := 1

	emit := func(end int) {
		t := strings.TrimSpace(strings.Join(cur, "\n"))
		if t != "" {
			out = append(out, Section{Text: t, StartLine: start, EndLine: end})
		}
		cur = nil
		start = end + 1
	}

	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#") && len(cur) > 0:
			emit(n - 1)
		case trimmed == "" && len(cur) > 0:
			emit(n - 1)
			start = n + 1
			continue
		case trimmed == "":
			start = n + 1
			continue
		}
		cur = append(cur, line)
	}
	emit(len(lines))
	return out
}

func pack(paras []Section, opts SegmentOptions) []Section {
	var out []Section
	var acc *Section

	flush := func() {
		if acc == nil {
			return
		}
		if len(acc.Text) > opts.Max {
			out = append(out, splitLines(*acc, opts)...)
		} else {
			out = append(out, *acc)
		}
		acc = nil
	}

	for _, p := range paras {
		if acc == nil {
			p := p
			acc = &p
			continue
		}
		if len(acc.Text)+2+len(p.Text) <= opts.Target {
			acc.Text += "\n\n" + p.Text
			acc.EndLine = p.EndLine
			continue
		}
		flush()
		p := p
		acc = &p
	}
	flush()
	return out
}

// splitLines breaks an oversized section on line boundaries, and a single
// oversized line on rune boundaries.
func splitLines(s Section, opts SegmentOptions) []Section {
	var out []Section
	var cur strings.Builder
	curStart := s.StartLine

	for i, line := range strings.Split(s.Text, "\n") {
		n := s.StartLine + i
		if cur.Len() > 0 && cur.Len()+len(line) > opts.Target {
			out = append(out, Section{Text: strings.TrimSpace(cur.String()), StartLine: curStart, EndLine: n - 1})
			cur.Reset()
			curStart = n
		}
		for len(line) > opts.Max {
			cut := runeCut(line, opts.Target)
			out = append(out, Section{Text: strings.TrimSpace(line[:cut]), StartLine: n, EndLine: n})
			line = line[cut:]
			curStart = n
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if t := strings.TrimSpace(cur.String()); t != "" {
		out = append(out, Section{Text: t, StartLine: curStart, EndLine: s.EndLine})
	}
	return out
}

// runeCut returns the largest index <= n that does not split a UTF-8 sequence.
func runeCut(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	if n == 0 {
		return len(s)
	}
	return n
}
