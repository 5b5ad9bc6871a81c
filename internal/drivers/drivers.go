// Package drivers extracts driver names from the tabular output of adapter
// listings, like esxcli storage core adapter list.
//
// Columns are separated by two or more whitespace characters, so a single
// space may appear inside of a value (HBA Name, device descriptions).
package drivers

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Harvester/internal/model"
)

var (
	columnSep = regexp.MustCompile(`\s{2,}`)
	dashRun   = regexp.MustCompile(`^-+$`)
	separator = regexp.MustCompile(`^[\s-]*$`)
)

// Matcher tells if a header field names the driver column
type Matcher func(field string) bool

// Exact matches a field equal to name
func Exact(name string) Matcher {
	return func(field string) bool {
		return field == name
	}
}

// Contains matches a field containing name
func Contains(name string) Matcher {
	return func(field string) bool {
		return strings.Contains(field, name)
	}
}

// Set is a case insensitive set of driver names. The first seen
// spelling of a name is kept.
type Set map[string]string

func (s Set) Add(name string) {
	key := strings.ToLower(name)
	if _, ok := s[key]; ok {
		return
	}
	s[key] = name
}

func (s Set) Has(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// Sorted returns the names ordered case insensitively
func (s Set) Sorted() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare)
	ret := make([]string, len(keys))
	for i, k := range keys {
		ret[i] = s[k]
	}
	return ret
}

// Union returns a new set with names from all sets
func Union(sets ...Set) Set {
	ret := make(Set)
	for _, s := range sets {
		for _, name := range s.Sorted() {
			ret.Add(name)
		}
	}
	return ret
}

// Extract returns the values of the driver column found in table.
// An empty input, an error value or a table with no matching header
// column give an empty set.
func Extract(table string, match Matcher) Set {
	ret := make(Set)
	if strings.TrimSpace(table) == "" || strings.HasPrefix(table, model.ErrorPrefix) {
		return ret
	}

	idx := -1
	for _, line := range strings.Split(table, "\n") {
		line = strings.TrimRight(line, "\r")
		if idx < 0 {
			idx = headerIndex(line, match)
			continue
		}
		if separator.MatchString(line) {
			continue
		}
		fields := split(line)
		if idx >= len(fields) {
			continue
		}
		value := fields[idx]
		if value == "" || dashRun.MatchString(value) {
			continue
		}
		ret.Add(value)
	}
	return ret
}

func headerIndex(line string, match Matcher) int {
	for i, field := range split(line) {
		if match(field) {
			return i
		}
	}
	return -1
}

func split(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	return columnSep.Split(line, -1)
}
