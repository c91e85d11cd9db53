// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetDedup(t *testing.T) {
	s := NewSet()
	s.Add("hello")
	s.Add("hello")
	s.Add("world")
	require.Equal(t, []string{"hello", "world"}, s.Tokens())
}

func TestSetEvictsOldestWhenOverCap(t *testing.T) {
	s := NewSet()
	big := strings.Repeat("a", MaxDictBytes-10)
	s.Add(big)
	s.Add("b")
	require.Equal(t, 2, s.Len(), "both inserts still fit under the cap")

	// Push it over the cap; the oldest ("big") should be evicted.
	s.Add(strings.Repeat("c", 20))
	found := false
	for _, tok := range s.Tokens() {
		if tok == big {
			found = true
		}
	}
	require.False(t, found, "oversized oldest token should have been evicted")
}

func TestUnionIsCommutativeOnContent(t *testing.T) {
	a := NewSet()
	a.Add("x")
	a.Add("y")
	b := NewSet()
	b.Add("y")
	b.Add("z")

	union := NewSet()
	union.Union(a)
	union.Union(b)

	require.ElementsMatch(t, []string{"x", "y", "z"}, union.Tokens())
}

func TestExtractSourceFileStringsAndIdentifiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.c")
	src := `
// a line comment with ignored "quoted junk"
# a preprocessor comment
/* block
   comment */
int main() {
    char *greeting = "hello world";
    long_identifier_name = 1;
    return 0;
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	set, err := ExtractSourceFile(path)
	require.NoError(t, err)
	tokens := set.Tokens()
	require.Contains(t, tokens, "hello world")
	require.Contains(t, tokens, "long_identifier_name")
	require.Contains(t, tokens, "greeting")
	require.NotContains(t, tokens, "quoted junk", "text inside comments must be stripped")
	require.NotContains(t, tokens, "int", "short identifiers below the minimum run length are dropped")
}

func TestExtractDictFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dict.txt")
	content := "# comment\n" +
		`kw1="foo"` + "\n" +
		`kw2 = "\x41\x42"` + "\n" +
		`kw3 = "line\nbreak"` + "\n" +
		`"bare"` + "\n" +
		`bad = "unterminated` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set, err := ExtractDictFile(path)
	require.NoError(t, err)
	tokens := set.Tokens()
	require.Contains(t, tokens, "foo")
	require.Contains(t, tokens, "AB")
	require.Contains(t, tokens, "line\nbreak")
	require.Contains(t, tokens, "bare")
	require.Len(t, tokens, 4, "the unterminated line should be skipped, not fatal")
}

func TestParseDictLineInvalidEscape(t *testing.T) {
	_, ok := parseDictLine(`name = "bad\qescape"`)
	require.False(t, ok)
}

func TestParseDictLineAcceptsBareQuotedForm(t *testing.T) {
	tok, ok := parseDictLine(`"bare value"`)
	require.True(t, ok)
	require.Equal(t, "bare value", tok)
}

func TestParseDictLineHonorsEscapedSingleQuote(t *testing.T) {
	tok, ok := parseDictLine(`name = "it\'s here"`)
	require.True(t, ok)
	require.Equal(t, "it's here", tok)
}
