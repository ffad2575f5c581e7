// Package manifest reads pip requirement files and pip freeze output.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// Requirement is one dependency line.
type Requirement struct {
	Name      string
	Extras    []string
	Specifier string
	// URL is set for direct references (name @ url).
	URL    string
	Marker string
	Line   int
}

// Pinned reports whether the requirement names an exact version.
// Direct references never count as pinned.
func (r Requirement) Pinned() bool {
	return r.URL == "" && strings.HasPrefix(r.Specifier, "==") && !strings.Contains(r.Specifier, ",") && !strings.HasSuffix(r.Specifier, "*")
}

// Manifest is a parsed requirement file.
type Manifest struct {
	Requirements []Requirement
	// Options are pip option lines such as --index-url. They are recorded, not followed.
	Options []string
	// Invalid holds the lines that could not be parsed.
	Invalid []*LineError
}

// LineError is a requirement line that could not be parsed.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

var (
	nameRe      = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(\[[^\]]*\])?\s*(.*)$`)
	normalizeRe = regexp.MustCompile(`[-_.]+`)
)

// NormalizeName applies PEP 503 name normalization.
func NormalizeName(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

// Parse reads a requirements file. Lines that fail to parse are skipped and
// collected in Invalid; the returned manifest then comes with a non-nil error
// joining them. A nil manifest means the file could not be read.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	lines, err := logicalLines(r)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		text := stripComment(l.text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "-") {
			m.Options = append(m.Options, text)
			continue
		}
		req, err := parseRequirement(text)
		if err != nil {
			m.Invalid = append(m.Invalid, &LineError{Line: l.number, Err: err})
			continue
		}
		req.Line = l.number
		m.Requirements = append(m.Requirements, req)
	}
	if len(m.Invalid) > 0 {
		errs := make([]error, 0, len(m.Invalid))
		for _, e := range m.Invalid {
			errs = append(errs, e)
		}
		return m, errors.Join(errs...)
	}
	return m, nil
}

// Unpinned lists requirements without an exact version.
func (m *Manifest) Unpinned() []Requirement {
	var out []Requirement
	for _, r := range m.Requirements {
		if !r.Pinned() {
			out = append(out, r)
		}
	}
	return out
}

type logicalLine struct {
	number int
	text   string
}

// logicalLines joins backslash continuations.
func logicalLines(r io.Reader) ([]logicalLine, error) {
	var (
		out     []logicalLine
		pending strings.Builder
		start   int
	)
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if pending.Len() == 0 {
			start = n
		}
		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			continue
		}
		pending.WriteString(line)
		out = append(out, logicalLine{number: start, text: pending.String()})
		pending.Reset()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if pending.Len() > 0 {
		out = append(out, logicalLine{number: start, text: pending.String()})
	}
	return out, nil
}

func stripComment(s string) string {
	if i := strings.Index(s, "#"); i == 0 || (i > 0 && (s[i-1] == ' ' || s[i-1] == '\t')) {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseRequirement(text string) (Requirement, error) {
	var req Requirement
	// Per-requirement options such as --hash.
	if i := strings.Index(text, " --"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	match := nameRe.FindStringSubmatch(text)
	if match == nil {
		return req, fmt.Errorf("invalid requirement %q", text)
	}
	req.Name = NormalizeName(match[1])
	if match[2] != "" {
		for _, e := range strings.Split(strings.Trim(match[2], "[]"), ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}
	rest := match[3]

	// A direct reference's marker must be separated by whitespace, since URLs may contain ';'.
	if url, ok := strings.CutPrefix(rest, "@"); ok {
		url = strings.TrimSpace(url)
		if i := strings.Index(url, " ;"); i >= 0 {
			req.Marker = strings.TrimSpace(url[i+2:])
			url = strings.TrimSpace(url[:i])
		}
		if url == "" {
			return req, fmt.Errorf("direct reference %q has no url", text)
		}
		req.URL = url
		return req, nil
	}

	if i := strings.Index(rest, ";"); i >= 0 {
		req.Marker = strings.TrimSpace(rest[i+1:])
		rest = rest[:i]
	}
	req.Specifier = strings.ReplaceAll(strings.TrimSpace(rest), " ", "")
	if req.Specifier != "" && !strings.ContainsAny(req.Specifier[:1], "=<>!~") {
		return req, fmt.Errorf("invalid version specifier %q", strings.TrimSpace(rest))
	}
	return req, nil
}

// Freeze parses pip freeze output into normalized name -> version.
// Lines that are not name==version (editable installs, direct references) map to the raw line.
func Freeze(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version, ok := strings.Cut(line, "==")
		if !ok {
			if n, _, found := strings.Cut(line, " @ "); found {
				out[NormalizeName(strings.TrimSpace(n))] = line
				continue
			}
			out[line] = line
			continue
		}
		out[NormalizeName(strings.TrimSpace(name))] = strings.TrimSpace(version)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read package list: %w", err)
	}
	return out, nil
}

// Difference is one package whose version differs between two package lists.
// An empty side means the package is absent there.
type Difference struct {
	Name  string `json:"name"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Diff compares two package lists, sorted by name.
func Diff(left, right map[string]string) []Difference {
	names := map[string]struct{}{}
	for n := range left {
		names[n] = struct{}{}
	}
	for n := range right {
		names[n] = struct{}{}
	}
	var out []Difference
	for n := range names {
		if left[n] != right[n] {
			out = append(out, Difference{Name: n, Left: left[n], Right: right[n]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
