package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/larchsync/larch/internal/larcherr"
)

// Pattern is one compiled exclusion rule: a mailbox name matching it is
// skipped by the Copier (spec.md §6's exclude / exclude-file options).
type Pattern = *regexp.Regexp

// compileExclusions builds the Pattern list from an inline exclude list
// and an exclude-file path, in that order. Each inline entry is either a
// /regex/ literal or a glob (translated * -> .*, ? -> .). The file adds
// one pattern per non-comment, non-blank line under the same rule.
func compileExclusions(inline []string, file string) ([]Pattern, error) {
	var out []Pattern
	for _, p := range inline {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	if file == "" {
		return out, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("config: open exclude-file %s: %w: %v", file, larcherr.ErrConfig, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := compilePattern(line)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read exclude-file %s: %w: %v", file, larcherr.ErrConfig, err)
	}
	return out, nil
}

// compilePattern compiles one exclusion line: /.../  or /.../i is a
// literal regex (the trailing i is accepted but redundant — matching is
// always case-insensitive per spec.md §6), anything else is a glob where
// * -> .* and ? -> ., matched case-insensitively against the full
// mailbox name.
func compilePattern(p string) (Pattern, error) {
	body, isRegex := regexBody(p)
	if !isRegex {
		body = globToRegex(p)
		body = "^" + body + "$"
	}
	re, err := regexp.Compile("(?i)" + body)
	if err != nil {
		return nil, fmt.Errorf("config: %w: bad exclude pattern %q: %v", larcherr.ErrConfig, p, err)
	}
	return re, nil
}

// regexBody strips a leading/trailing "/" (with an optional trailing "i"
// flag, e.g. "/^trash$/i") from a /regex/ literal, reporting whether p
// was in that form at all.
func regexBody(p string) (string, bool) {
	if !strings.HasPrefix(p, "/") {
		return "", false
	}
	rest := strings.TrimSuffix(p, "i")
	if !strings.HasSuffix(rest, "/") || len(rest) < 2 {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

func globToRegex(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			if strings.ContainsRune(`.+()|[]{}^$\`, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
