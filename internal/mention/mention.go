// Package mention finds @name tokens in comment text and resolves them against a project
// roster. Matching is a best-effort heuristic: a common first name can resolve to a user
// the author did not mean, and that is accepted.
package mention

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Candidate is a user that may be mentioned in a project.
type Candidate struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	Email       string `json:"email" yaml:"email"`
}

// Token is a raw mention as written, without the leading @. Start and End are byte
// offsets into the source text; Start points at the @.
type Token struct {
	Raw   string
	Start int
	End   int
}

// Span marks a resolved mention inside the text.
type Span struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	UserID string `json:"userId"`
}

// Extract returns every mention token in text in order of appearance.
func Extract(text string) []Token {
	tokens := make([]Token, 0)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r != '@' || !boundaryBefore(text, i) {
			i += size
			continue
		}

		start := i
		j := i + size
		if first, _ := utf8.DecodeRuneInString(text[j:]); j >= len(text) || !isWordRune(first) {
			i = j
			continue
		}
		for j < len(text) {
			next, nextSize := utf8.DecodeRuneInString(text[j:])
			if isTokenRune(next) {
				j += nextSize
				continue
			}
			// Dots are kept only between word characters so bob.martin survives but a
			// sentence-ending dot does not.
			if next == '.' && j+nextSize < len(text) {
				after, _ := utf8.DecodeRuneInString(text[j+nextSize:])
				if isWordRune(after) {
					j += nextSize
					continue
				}
			}
			break
		}

		raw := strings.TrimRightFunc(text[start+size:j], func(r rune) bool {
			return r == ' ' || r == '-' || r == '_' || r == '\''
		})
		if raw != "" {
			tokens = append(tokens, Token{Raw: raw, Start: start, End: start + size + len(raw)})
		}
		i = j
	}
	return tokens
}

// Resolve returns the distinct users mentioned in text, in order of first mention,
// excluding authorID. Unmatched and ambiguous tokens are ignored.
func Resolve(text string, roster []Candidate, authorID string) []Candidate {
	resolved := make([]Candidate, 0)
	seen := map[string]bool{}
	idx := newIndex(roster)
	for _, token := range Extract(text) {
		match, _, ok := idx.match(token.Raw)
		if !ok || match.ID == authorID || seen[match.ID] {
			continue
		}
		seen[match.ID] = true
		resolved = append(resolved, match)
	}
	return resolved
}

// Spans reports where each resolved mention sits in text, self-mentions included. The
// text itself is never modified.
func Spans(text string, roster []Candidate) []Span {
	spans := make([]Span, 0)
	idx := newIndex(roster)
	for _, token := range Extract(text) {
		match, matchedLen, ok := idx.match(token.Raw)
		if !ok {
			continue
		}
		spans = append(spans, Span{
			Start:  token.Start,
			End:    token.Start + 1 + matchedLen,
			UserID: match.ID,
		})
	}
	return spans
}

type index struct {
	candidates []Candidate
}

func newIndex(roster []Candidate) index {
	unique := make([]Candidate, 0, len(roster))
	seen := map[string]bool{}
	for _, c := range roster {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		unique = append(unique, c)
	}
	return index{candidates: unique}
}

// match tries the raw token and then shorter prefixes of it, dropping one trailing word
// at a time, so "@Bob thanks" can still resolve Bob. It returns the byte length of the
// prefix that matched.
func (idx index) match(raw string) (Candidate, int, bool) {
	for _, prefix := range prefixes(raw) {
		candidate, ambiguous, ok := idx.matchExact(prefix)
		if ambiguous {
			return Candidate{}, 0, false
		}
		if ok {
			return candidate, len(prefix), true
		}
	}
	return Candidate{}, 0, false
}

func (idx index) matchExact(token string) (Candidate, bool, bool) {
	tiers := []func(Candidate) bool{
		func(c Candidate) bool { return strings.EqualFold(c.DisplayName, token) },
		func(c Candidate) bool { return normalize(c.DisplayName) == normalize(token) },
		func(c Candidate) bool {
			local := emailLocalPart(c.Email)
			return local != "" && strings.EqualFold(local, token)
		},
		func(c Candidate) bool {
			first := firstName(c.DisplayName)
			return first != "" && strings.EqualFold(first, token)
		},
	}
	for _, tier := range tiers {
		var found []Candidate
		for _, c := range idx.candidates {
			if tier(c) {
				found = append(found, c)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], false, true
		default:
			return Candidate{}, true, false
		}
	}
	return Candidate{}, false, false
}

func prefixes(raw string) []string {
	out := []string{raw}
	current := raw
	for {
		cut := strings.LastIndexByte(current, ' ')
		if cut <= 0 {
			return out
		}
		current = strings.TrimRight(current[:cut], " ")
		if current == "" {
			return out
		}
		out = append(out, current)
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func emailLocalPart(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	return email[:at]
}

func firstName(displayName string) string {
	fields := strings.Fields(displayName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	return prev == ' ' || prev == '\n'
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.M, r)
}

func isTokenRune(r rune) bool {
	return isWordRune(r) || r == ' ' || r == '-' || r == '_' || r == '\''
}
