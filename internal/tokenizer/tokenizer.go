// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tokenizer is the dictionary builder (component C9): it
// extracts candidate mutation tokens from executables, source files,
// and AFL/LibFuzzer dictionary files, and unions them into a single
// deduplicated, size-capped token set for the mutator's
// token-dictionary stage.
package tokenizer

import (
	"bufio"
	"bytes"
	"context"
	"debug/elf"
	"debug/pe"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sync/errgroup"
)

// MaxDictBytes is the total dictionary size cap; the oldest-inserted
// tokens are evicted once it is exceeded.
const MaxDictBytes = 64 * 1024

const minRunLength = 4

// Set is a deduplicated, insertion-ordered, size-capped token
// collection. The zero value is ready to use.
type Set struct {
	order []string
	seen  map[string]bool
	size  int
}

func NewSet() *Set {
	return &Set{seen: make(map[string]bool)}
}

// Add inserts tok if not already present, evicting the oldest entries
// until the set fits within MaxDictBytes.
func (s *Set) Add(tok string) {
	if tok == "" || s.seen[tok] {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	s.seen[tok] = true
	s.order = append(s.order, tok)
	s.size += len(tok)
	for s.size > MaxDictBytes && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		s.size -= len(oldest)
		delete(s.seen, oldest)
	}
}

// Union adds every token of other into s, preserving other's insertion
// order, and is how the three extraction sources combine:
// tokens(A ∪ B) = tokens(A) ∪ tokens(B).
func (s *Set) Union(other *Set) {
	for _, tok := range other.order {
		s.Add(tok)
	}
}

// Tokens returns the current token list in insertion order.
func (s *Set) Tokens() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set) Len() int { return len(s.order) }

// Extractor builds a token Set from the three configured source kinds,
// running one extraction per source concurrently (the sources are
// independent I/O-bound scans, a natural errgroup fan-out).
type Extractor struct {
	Executables []string
	SrcFiles    []string
	DictFiles   []string
}

// Extract runs all configured extractions and returns their union.
func (e *Extractor) Extract(ctx context.Context) (*Set, error) {
	results := make([]*Set, len(e.Executables)+len(e.SrcFiles)+len(e.DictFiles))
	g, _ := errgroup.WithContext(ctx)

	idx := 0
	for i, path := range e.Executables {
		i, path, slot := i, path, idx
		idx++
		g.Go(func() error {
			s, err := ExtractExecutable(path)
			if err != nil {
				return fmt.Errorf("tokenizer: executable %s (#%d): %w", path, i, err)
			}
			results[slot] = s
			return nil
		})
	}
	for i, path := range e.SrcFiles {
		i, path, slot := i, path, idx
		idx++
		g.Go(func() error {
			s, err := ExtractSourceFile(path)
			if err != nil {
				return fmt.Errorf("tokenizer: source file %s (#%d): %w", path, i, err)
			}
			results[slot] = s
			return nil
		})
	}
	for i, path := range e.DictFiles {
		i, path, slot := i, path, idx
		idx++
		g.Go(func() error {
			s, err := ExtractDictFile(path)
			if err != nil {
				return fmt.Errorf("tokenizer: dict file %s (#%d): %w", path, i, err)
			}
			results[slot] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	union := NewSet()
	for _, s := range results {
		if s != nil {
			union.Union(s)
		}
	}
	return union, nil
}

// ExtractExecutable extracts printable runs and aligned immediates from
// an ELF or PE/COFF binary's loadable sections, demangling any run that
// looks like a mangled symbol name.
func ExtractExecutable(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := NewSet()

	if ef, err := elf.NewFile(bytes.NewReader(data)); err == nil {
		defer ef.Close()
		for _, sec := range ef.Sections {
			if sec.Flags&elf.SHF_ALLOC == 0 {
				continue
			}
			raw, err := sec.Data()
			if err != nil {
				continue
			}
			extractFromBytes(set, raw)
		}
		return set, nil
	}

	if pf, err := pe.NewFile(bytes.NewReader(data)); err == nil {
		defer pf.Close()
		for _, sec := range pf.Sections {
			raw, err := sec.Data()
			if err != nil {
				continue
			}
			extractFromBytes(set, raw)
		}
		return set, nil
	}

	return nil, fmt.Errorf("not a recognized ELF or PE/COFF file")
}

func extractFromBytes(set *Set, raw []byte) {
	extractPrintableRuns(set, raw)
	extractAlignedImmediates(set, raw)
}

// extractPrintableRuns finds runs of printable ASCII of length >=
// minRunLength, demangling candidates that look like mangled symbols
// (leading "_Z" for Itanium C++, leading "_R" for Rust).
func extractPrintableRuns(set *Set, raw []byte) {
	start := -1
	flush := func(end int) {
		if start < 0 || end-start < minRunLength {
			start = -1
			return
		}
		tok := string(raw[start:end])
		if strings.HasPrefix(tok, "_Z") || strings.HasPrefix(tok, "_R") {
			tok = demangle.Filter(tok)
		}
		set.Add(tok)
		start = -1
	}
	for i, b := range raw {
		if isPrintable(b) {
			if start < 0 {
				start = i
			}
		} else {
			flush(i)
		}
	}
	flush(len(raw))
}

func isPrintable(b byte) bool {
	return b >= 0x20 && b < 0x7f
}

// extractAlignedImmediates is a best-effort, language-agnostic
// extraction of word-aligned constants that look like they could be
// immediate operands: 4-byte words at 4-byte alignment that are not
// all-zero and not ASCII (those are already caught above).
func extractAlignedImmediates(set *Set, raw []byte) {
	const width = 4
	for i := 0; i+width <= len(raw); i += width {
		chunk := raw[i : i+width]
		if isAllZero(chunk) || isPrintableChunk(chunk) {
			continue
		}
		set.Add(string(chunk))
	}
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func isPrintableChunk(b []byte) bool {
	for _, c := range b {
		if !isPrintable(c) {
			return false
		}
	}
	return true
}

// ExtractSourceFile extracts string literals and identifier-like runs
// from a source file, stripping //, /* */ and # comments with a small
// state machine.
func ExtractSourceFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := NewSet()
	stripped := stripComments(string(data))
	extractStringLiterals(set, stripped)
	extractIdentifiers(set, stripped)
	return set, nil
}

type commentState int

const (
	stNormal commentState = iota
	stLineComment
	stBlockComment
	stSingleQuote
	stDoubleQuote
)

// stripComments removes //, /* */ and # comments while leaving quoted
// string contents untouched, so extractStringLiterals still sees them.
func stripComments(src string) string {
	var out strings.Builder
	out.Grow(len(src))
	state := stNormal
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch state {
		case stNormal:
			switch {
			case c == '/' && i+1 < len(src) && src[i+1] == '/':
				state = stLineComment
				i++
			case c == '/' && i+1 < len(src) && src[i+1] == '*':
				state = stBlockComment
				i++
			case c == '#':
				state = stLineComment
			case c == '\'':
				state = stSingleQuote
				out.WriteByte(c)
			case c == '"':
				state = stDoubleQuote
				out.WriteByte(c)
			default:
				out.WriteByte(c)
			}
		case stLineComment:
			if c == '\n' {
				state = stNormal
				out.WriteByte(c)
			}
		case stBlockComment:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				state = stNormal
				i++
			}
		case stSingleQuote:
			out.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				out.WriteByte(src[i])
			} else if c == '\'' {
				state = stNormal
			}
		case stDoubleQuote:
			out.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				out.WriteByte(src[i])
			} else if c == '"' {
				state = stNormal
			}
		}
	}
	return out.String()
}

func extractStringLiterals(set *Set, src string) {
	var quote byte
	start := -1
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote == 0 {
			if c == '"' || c == '\'' {
				quote = c
				start = i + 1
			}
			continue
		}
		if c == '\\' {
			i++
			continue
		}
		if c == quote {
			set.Add(src[start:i])
			quote = 0
			start = -1
		}
	}
}

var commonKeywords = map[string]bool{
	"func": true, "return": true, "import": true, "package": true,
	"const": true, "struct": true, "interface": true, "defer": true,
	"public": true, "static": true, "class": true, "private": true,
	"void": true, "null": true, "true": true, "false": true,
	"include": true, "define": true, "typedef": true,
}

func extractIdentifiers(set *Set, src string) {
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := src[start:end]
		if len(tok) >= minRunLength && !commonKeywords[tok] {
			set.Add(tok)
		}
		start = -1
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		if isIdentChar(c) {
			if start < 0 {
				start = i
			}
		} else {
			flush(i)
		}
	}
	flush(len(src))
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ExtractDictFile parses an AFL/LibFuzzer dictionary file: lines of the
// form `name = "value"`, where value may contain \xNN hex escapes and
// the common Go-style escape sequences. Unterminated strings or
// invalid escapes are skipped, not fatal.
func ExtractDictFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := NewSet()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tok, ok := parseDictLine(line)
		if ok {
			set.Add(tok)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// parseDictLine accepts both documented line forms: `name = "value"` and
// a bare `"value"` with no name. The "=" is only treated as the
// name/value separator when what follows it is itself a quoted string;
// otherwise the whole line is parsed as the bare form, so a quoted
// value that happens to contain "=" is never misread as a name.
func parseDictLine(line string) (string, bool) {
	rest := line
	if eq := strings.Index(line, "="); eq >= 0 {
		if candidate := strings.TrimSpace(line[eq+1:]); len(candidate) >= 2 && candidate[0] == '"' {
			rest = candidate
		}
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return "", false
	}
	return unescapeDictValue(rest[1 : len(rest)-1])
}

func unescapeDictValue(s string) (string, bool) {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", false // trailing backslash, unterminated
		}
		switch s[i] {
		case 'x':
			if i+2 >= len(s) {
				return "", false
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", false
			}
			out.WriteByte(byte(v))
			i += 2
		case 'n':
			out.WriteByte('\n')
		case 't':
			out.WriteByte('\t')
		case 'r':
			out.WriteByte('\r')
		case '\\':
			out.WriteByte('\\')
		case '"':
			out.WriteByte('"')
		case '\'':
			out.WriteByte('\'')
		default:
			return "", false // unknown escape
		}
	}
	return out.String(), true
}
