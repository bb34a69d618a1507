// Package filter decides which log lines are forwarded to the batch
// accumulator. A Filter wraps a single keyword pattern that is compiled once
// at startup and matched case-insensitively against every line.
package filter

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrEmptyKeyword is returned by New when no keyword is configured. An empty
// pattern would match every line, which is never what an operator meant.
var ErrEmptyKeyword = errors.New("filter: keyword is empty")

// Filter is a compiled, case-insensitive keyword matcher. It is immutable
// after construction and safe for concurrent use.
type Filter struct {
	keyword string
	re      *regexp.Regexp
}

// New compiles keyword into a Filter. The keyword is interpreted as an RE2
// pattern, so a plain word such as "ERROR" behaves as a substring match. A
// pattern that fails to compile is returned as an error; callers must treat
// it as fatal.
func New(keyword string) (*Filter, error) {
	if keyword == "" {
		return nil, ErrEmptyKeyword
	}
	re, err := regexp.Compile("(?i)" + keyword)
	if err != nil {
		return nil, fmt.Errorf("filter: compile %q: %w", keyword, err)
	}
	return &Filter{keyword: keyword, re: re}, nil
}

// Match reports whether line contains the keyword. Empty and nil lines never
// match.
func (f *Filter) Match(line []byte) bool {
	if len(line) == 0 {
		return false
	}
	return f.re.Match(line)
}

// Keyword returns the pattern the filter was built from.
func (f *Filter) Keyword() string { return f.keyword }
