package artifact

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// Verdict is the pass/fail token found in the verify section
type Verdict string

const (
	VerdictNone Verdict = ""
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// Implementation status values that end the implement stage
const (
	StatusReadyForReview = "Ready for Review"
	StatusDone           = "Done"
)

// Section is one heading and the text below it up to the next heading of
// the same or a higher level.
type Section struct {
	Heading string
	Kind    SectionKind
	Level   int
	Body    string
}

// Parsed is the structured view of an artifact. Fields that could not be
// recognized are left at their zero value.
type Parsed struct {
	Size     int
	Title    string
	Sections []Section

	Decision          story.Decision
	DecisionAmbiguous bool
	Status            string
	Verdict           Verdict
	// VerdictMarked is set when a keyed line of the verify section, such
	// as "Status: PASS" or "Gate: FAIL", carried the verdict.
	VerdictMarked bool
	FileList      []string
}

// Has reports whether a section of the given kind is present
func (p *Parsed) Has(kind SectionKind) bool {
	_, ok := p.Section(kind)
	return ok
}

// Section returns the first section of the given kind
func (p *Parsed) Section(kind SectionKind) (Section, bool) {
	if p == nil {
		return Section{}, false
	}
	for _, s := range p.Sections {
		if s.Kind == kind {
			return s, true
		}
	}
	return Section{}, false
}

// Body returns the trimmed body of a section, or ""
func (p *Parsed) Body(kind SectionKind) string {
	s, _ := p.Section(kind)
	return strings.TrimSpace(s.Body)
}

// IsImplemented reports whether the status marks implementation finished
func (p *Parsed) IsImplemented() bool {
	return strings.EqualFold(p.Status, StatusReadyForReview) ||
		strings.EqualFold(p.Status, "ready-for-review") ||
		strings.EqualFold(p.Status, StatusDone)
}

type line struct {
	text    string
	heading bool
	guarded bool // inside a decision or verify section
}

// Parse extracts sections and typed fields. It never fails: partial or
// malformed documents yield a Parsed with the unrecognized fields absent.
func Parse(content []byte) *Parsed {
	p := &Parsed{Size: len(content)}
	lines := scan(string(content), p)

	p.Decision, p.DecisionAmbiguous = extractDecision(p)
	p.Status = extractStatus(p, lines)
	p.Verdict, p.VerdictMarked = extractVerdict(p)
	p.FileList = extractFileList(p)
	return p
}

// scan splits content into lines, records headings outside code fences
// and fills section bodies.
func scan(content string, p *Parsed) []line {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	lines := make([]line, 0, len(raw))

	inFence := false
	type open struct{ idx, level int }
	var stack []open

	for _, text := range raw {
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}

		if !inFence {
			if level, title, ok := headingOf(text); ok {
				if level == 1 {
					if p.Title == "" {
						p.Title = title
					}
					stack = stack[:0]
					lines = append(lines, line{text: text, heading: true})
					continue
				}
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				p.Sections = append(p.Sections, Section{Heading: title, Kind: KindOf(title), Level: level})
				stack = append(stack, open{idx: len(p.Sections) - 1, level: level})
				lines = append(lines, line{text: text, heading: true})
				continue
			}
		}

		// A body line belongs to every enclosing open section
		guarded := false
		for _, o := range stack {
			p.Sections[o.idx].Body += text + "\n"
			switch p.Sections[o.idx].Kind {
			case SectionDecision, SectionVerify:
				guarded = true
			}
		}
		lines = append(lines, line{text: text, guarded: guarded})
	}
	return lines
}

// headingOf recognizes ATX headings: 1-6 '#' followed by a space
func headingOf(text string) (int, string, bool) {
	if !strings.HasPrefix(text, "#") {
		return 0, "", false
	}
	level := 0
	for level < len(text) && text[level] == '#' {
		level++
	}
	if level > 6 || level >= len(text) || (text[level] != ' ' && text[level] != '\t') {
		return 0, "", false
	}
	title := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text[level:]), "#"))
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

// stripMarkup removes list markers, quote markers, emphasis and the
// decorations (checkmarks, emoji, punctuation) around a body line.
func stripMarkup(s string) string {
	s = strings.TrimSpace(s)
	for {
		switch {
		case strings.HasPrefix(s, "- [x] "), strings.HasPrefix(s, "- [X] "), strings.HasPrefix(s, "- [ ] "):
			s = s[6:]
		case strings.HasPrefix(s, "- "), strings.HasPrefix(s, "* "), strings.HasPrefix(s, "+ "), strings.HasPrefix(s, "> "):
			s = s[2:]
		default:
			s = strings.Map(func(r rune) rune {
				if r == '*' || r == '`' {
					return -1
				}
				return r
			}, s)
			return strings.TrimFunc(s, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			})
		}
		s = strings.TrimSpace(s)
	}
}

// keyValue splits "Key: Value" lines, returning a lowercase key
func keyValue(s string) (string, string, bool) {
	idx := strings.Index(s, ":")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(s[:idx]))
	if key == "" || strings.ContainsAny(key, ".,;!?") || len(strings.Fields(key)) > 3 {
		return "", "", false
	}
	return key, strings.TrimSpace(s[idx+1:]), true
}

var decisionKeys = map[string]bool{
	"decision":            true,
	"po decision":         true,
	"validation decision": true,
	"status":              true,
	"verdict":             true,
	"result":              true,
}

// extractDecision looks only inside the decision section. A token counts
// when it is the whole value of a decision key or the whole line. More
// than one distinct token makes the section ambiguous.
func extractDecision(p *Parsed) (story.Decision, bool) {
	sec, ok := p.Section(SectionDecision)
	if !ok {
		return story.DecisionNone, false
	}

	found := map[story.Decision]bool{}
	for _, raw := range strings.Split(sec.Body, "\n") {
		s := stripMarkup(raw)
		if s == "" {
			continue
		}
		if key, value, ok := keyValue(s); ok && decisionKeys[key] {
			if d := story.ParseDecisionToken(stripMarkup(value)); d != story.DecisionNone {
				found[d] = true
			}
			continue
		}
		if d := story.ParseDecisionToken(s); d != story.DecisionNone {
			found[d] = true
		}
	}

	switch len(found) {
	case 0:
		return story.DecisionNone, false
	case 1:
		for d := range found {
			return d, false
		}
	}
	return story.DecisionNone, true
}

// extractStatus prefers the first line of the Status section and falls
// back to a "Status:" line outside the decision and verify sections.
func extractStatus(p *Parsed, lines []line) string {
	if sec, ok := p.Section(SectionStatus); ok {
		for _, raw := range strings.Split(sec.Body, "\n") {
			if s := stripMarkup(raw); s != "" {
				if key, value, ok := keyValue(s); ok && key == "status" {
					return value
				}
				return s
			}
		}
	}

	for _, l := range lines {
		if l.heading || l.guarded {
			continue
		}
		if key, value, ok := keyValue(stripMarkup(l.text)); ok && key == "status" && value != "" {
			return stripMarkup(value)
		}
	}
	return ""
}

var verdictKeys = map[string]bool{
	"status":      true,
	"gate":        true,
	"gate status": true,
	"qa status":   true,
	"result":      true,
	"verdict":     true,
	"tests":       true,
}

// Free-text verdicts only count as whole lines. A failure count of zero
// ("tests failed: 0", "0 tests failed") is not a failure.
var (
	passPhrases = map[string]bool{
		"ALL TESTS PASSED":  true,
		"ALL TESTS PASS":    true,
		"ALL CHECKS PASSED": true,
	}
	failPhrase = regexp.MustCompile(`^(?:(\d+)\s+|SOME\s+|SEVERAL\s+)?(?:TESTS?|CHECKS?)\s+FAILED$`)

	failCountKeys = map[string]bool{
		"failed":       true,
		"failures":     true,
		"failing":      true,
		"tests failed": true,
	}
)

// extractVerdict scans the verify section. Any fail token wins over pass.
// marked reports whether a keyed verdict line was found.
func extractVerdict(p *Parsed) (verdict Verdict, marked bool) {
	sec, ok := p.Section(SectionVerify)
	if !ok {
		return VerdictNone, false
	}

	pass, fail := false, false
	for _, raw := range strings.Split(sec.Body, "\n") {
		s := stripMarkup(raw)
		if s == "" {
			continue
		}
		if key, value, ok := keyValue(s); ok && verdictKeys[key] {
			fields := strings.Fields(strings.ToUpper(stripMarkup(value)))
			if len(fields) > 0 {
				switch strings.TrimRight(fields[0], ".,;!") {
				case "PASS", "PASSED":
					pass, marked = true, true
				case "FAIL", "FAILED":
					fail, marked = true, true
				}
			}
		}

		for _, seg := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
			if key, value, ok := keyValue(strings.TrimSpace(seg)); ok && failCountKeys[key] {
				if n, ok := leadingCount(value); ok && n > 0 {
					fail = true
				}
			}
		}

		upper := strings.Join(strings.Fields(strings.ToUpper(s)), " ")
		if passPhrases[upper] {
			pass = true
		}
		if m := failPhrase.FindStringSubmatch(upper); m != nil {
			if n, err := strconv.Atoi(m[1]); m[1] == "" || (err == nil && n > 0) {
				fail = true
			}
		}
	}

	switch {
	case fail:
		return VerdictFail, marked
	case pass:
		return VerdictPass, marked
	default:
		return VerdictNone, marked
	}
}

// leadingCount parses the number at the start of a value such as "0" or
// "3 (flaky)".
func leadingCount(value string) (int, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimRight(fields[0], ".,;"))
	return n, err == nil
}

// extractFileList reads markdown list items from the file list section.
// When an item carries a backticked path, only the path is kept.
func extractFileList(p *Parsed) []string {
	sec, ok := p.Section(SectionFileList)
	if !ok {
		return nil
	}

	var files []string
	seen := map[string]bool{}
	for _, raw := range strings.Split(sec.Body, "\n") {
		trimmed := strings.TrimSpace(raw)
		if !strings.HasPrefix(trimmed, "- ") && !strings.HasPrefix(trimmed, "* ") && !strings.HasPrefix(trimmed, "+ ") {
			continue
		}
		item := trimmed[2:]
		if start := strings.Index(item, "`"); start >= 0 {
			if end := strings.Index(item[start+1:], "`"); end > 0 {
				item = item[start+1 : start+1+end]
			}
		}
		item = strings.TrimSpace(strings.Trim(strings.TrimSpace(item), "`*"))
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		files = append(files, item)
	}
	return files
}
