package dsl

import "fmt"

// SyntaxError is returned by the lexer and parser; it always carries the
// position of the offending token (spec.md §4.1).
type SyntaxError struct {
	Pos Pos
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: syntax error: %s", e.Pos, e.Msg)
}

// TypeError is returned by the evaluator when a field or expression has the
// wrong type (spec.md §4.1).
type TypeError struct {
	Pos      Pos
	Field    string
	Expected string
	Got      string
}

func (e *TypeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: expected %s, got %s", e.Pos, e.Field, e.Expected, e.Got)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Pos, e.Expected, e.Got)
}

// RequiredFieldMissing is returned when a target block omits a mandatory
// field (spec.md §4.1).
type RequiredFieldMissing struct {
	Pos    Pos
	Target string
	Field  string
}

func (e *RequiredFieldMissing) Error() string {
	return fmt.Sprintf("%s: target %q: missing required field %q", e.Pos, e.Target, e.Field)
}
