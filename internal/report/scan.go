package report

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type phase int

const (
	phaseHeaders phase = iota
	phaseReport
	phaseOriginal
)

// fieldSet holds case-insensitive fields where the first occurrence wins.
type fieldSet map[string]string

func (f fieldSet) get(name string) string {
	return f[strings.ToLower(name)]
}

// sections is the result of the three-phase line scan.
type sections struct {
	headers  fieldSet
	report   fieldSet
	original []string
}

// lookup returns the first non-empty value among names, preferring the
// report part and falling back to the outer headers.
func (s *sections) lookup(names ...string) (string, string) {
	for _, set := range []fieldSet{s.report, s.headers} {
		for _, n := range names {
			if v := set.get(n); v != "" {
				return v, n
			}
		}
	}
	return "", ""
}

var embeddedTypes = []string{"message/rfc822", "text/rfc822-headers", "message/global", "message/global-headers"}

func announcesOriginal(name, value string) bool {
	if name != "content-type" {
		return false
	}
	v := strings.ToLower(value)
	for _, t := range embeddedTypes {
		if strings.HasPrefix(v, t) {
			return true
		}
	}
	return false
}

// scan walks raw line by line: headers until the first blank line, then the
// report part until a line announces the embedded original message.
func scan(raw string) *sections {
	s := &sections{headers: fieldSet{}, report: fieldSet{}}
	state := phaseHeaders
	var last fieldSet
	var lastKey string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")

		if state == phaseOriginal {
			s.original = append(s.original, line)
			continue
		}

		if strings.TrimSpace(line) == "" {
			if state == phaseHeaders {
				state = phaseReport
			}
			lastKey = ""
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				last[lastKey] += " " + strings.TrimSpace(line)
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.ContainsAny(name, " \t") {
			lastKey = ""
			continue
		}
		name = strings.ToLower(name)
		value = strings.TrimSpace(value)

		set := s.headers
		if state == phaseReport {
			set = s.report
		}
		if _, seen := set[name]; seen {
			lastKey = ""
		} else {
			set[name] = value
			last, lastKey = set, name
		}

		if state == phaseReport && announcesOriginal(name, value) {
			state = phaseOriginal
		}
	}
	return s
}

// stripType removes an RFC 3464 type prefix such as "rfc822;" or "dns;".
func stripType(v string) string {
	prefix, rest, ok := strings.Cut(v, ";")
	if !ok || prefix == "" || strings.ContainsAny(strings.TrimSpace(prefix), " \t<@") {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(rest)
}

// NormalizeAddress canonicalises a recipient for use as a store key:
// type prefix and angle brackets removed, NFC normalized, lower-cased.
func NormalizeAddress(addr string) string {
	a := stripType(strings.TrimSpace(addr))
	a = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(a, "<"), ">"))
	return strings.ToLower(norm.NFC.String(a))
}

var messageIDPattern = regexp.MustCompile(`(?im)^message-id:[ \t]*<?([^<>\s]+)>?`)

// ExtractMessageID scans an embedded original message for its Message-ID.
// It returns "" when nothing usable is found.
func ExtractMessageID(original string) string {
	m := messageIDPattern.FindStringSubmatch(original)
	if m == nil {
		return ""
	}
	return m[1]
}

func firstToken(v string) string {
	if f := strings.Fields(v); len(f) > 0 {
		return f[0]
	}
	return ""
}
