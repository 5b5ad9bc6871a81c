package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigErrorDetail is a single human readable configuration problem
type ConfigErrorDetail struct {
	Path    string // collector.concurrency
	Code    string // missing_required | unknown_field | out_of_range | conflicting_values | type_mismatch ...
	Message string
	Line    int
	Column  int
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

func (c ConfigErrorDetail) String() string {
	if c.Line == 0 {
		return fmt.Sprintf("%s: %s", c.Path, c.Message)
	}
	return fmt.Sprintf("%s (line %d): %s", c.Path, c.Line, c.Message)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reBound       = regexp.MustCompile(`(?i)invalid value .* \(out of bound`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// ConfigErrDetails splits an error returned by LoadConfig into details,
// one per position in a config file. Errors not coming from the schema
// validation are returned as a single detail.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}

	// Errors wraps any other error as a CUE error without a message
	var ce cueerrors.Error
	if !errors.As(err, &ce) {
		return []ConfigErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}
	cerrs := cueerrors.Errors(err)

	type pos struct{ line, column int }
	seen := make(map[pos]struct{})
	var out []ConfigErrorDetail
	for _, e := range cerrs {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		d := ConfigErrorDetail{Path: path}
		d.Code, d.Message = classify(raw, path)
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() == "" {
				continue
			}
			d.Line, d.Column = p.Line(), p.Column()
			break
		}
		key := pos{d.Line, d.Column}
		if _, ok := seen[key]; ok && d.Line != 0 {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reBound.MatchString(raw):
		return "out_of_range", fmt.Sprintf("Field %s is out of range: %s", last(path), raw)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
