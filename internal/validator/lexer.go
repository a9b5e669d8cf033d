package validator

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// token is a scanned lexeme with its text resolved against the source.
type token struct {
	start, end int
	text       string
	word       bool // keyword or unquoted identifier
	comment    bool
}

// scan runs PostgreSQL's own lexer over sql. String constants, quoted
// identifiers, dollar-quoted bodies and comments each come back as a single
// token, so nothing inside them can look like a keyword.
func scan(sql string) ([]token, error) {
	res, err := pg_query.Scan(sql)
	if err != nil {
		return nil, err
	}
	toks := make([]token, 0, len(res.Tokens))
	for _, st := range res.Tokens {
		start, end := int(st.Start), int(st.End)
		if start < 0 || end > len(sql) || start > end {
			continue
		}
		text := sql[start:end]
		t := token{start: start, end: end, text: text}
		switch {
		case strings.HasPrefix(text, "--"), strings.HasPrefix(text, "/*"):
			t.comment = true
		case st.KeywordKind != pg_query.KeywordKind_NO_KEYWORD:
			t.word = true
		case st.Token == pg_query.Token_IDENT && !strings.HasPrefix(text, `"`):
			t.word = true
		}
		toks = append(toks, t)
	}
	return toks, nil
}

// code returns toks without comments.
func code(toks []token) []token {
	out := make([]token, 0, len(toks))
	for _, t := range toks {
		if !t.comment {
			out = append(out, t)
		}
	}
	return out
}

// splitTrailing reports whether anything but comments follows a ';', and
// the end offset of the last token that is neither a comment nor a trailing
// semicolon.
func splitTrailing(toks []token) (extra bool, contentEnd int, hasSemicolon bool) {
	seenSemi := false
	for _, t := range toks {
		if t.comment {
			continue
		}
		if t.text == ";" {
			if seenSemi {
				return true, contentEnd, true
			}
			seenSemi = true
			continue
		}
		if seenSemi {
			return true, contentEnd, true
		}
		contentEnd = t.end
	}
	return false, contentEnd, seenSemi
}

// forbiddenKeyword returns the first denylist entry matched by a run of
// consecutive word tokens.
func forbiddenKeyword(toks []token, keywords [][]string) (string, bool) {
	for i := range toks {
		if !toks[i].word {
			continue
		}
		for _, words := range keywords {
			if matchWords(toks[i:], words) {
				return strings.Join(words, " "), true
			}
		}
	}
	return "", false
}

func matchWords(toks []token, words []string) bool {
	if len(toks) < len(words) {
		return false
	}
	for j, w := range words {
		if !toks[j].word || !strings.EqualFold(toks[j].text, w) {
			return false
		}
	}
	return true
}

// leadingWord is the first token after any opening parentheses.
func leadingWord(toks []token) string {
	for _, t := range toks {
		if t.text == "(" {
			continue
		}
		return strings.ToUpper(t.text)
	}
	return ""
}

func tokenAt(toks []token, offset int) (token, bool) {
	for _, t := range toks {
		if t.start == offset {
			return t, true
		}
	}
	return token{}, false
}
