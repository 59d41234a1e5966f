// Package hook lets users add fields to every data record. A hook runs
// after extraction, against the live page, and its fields are merged over
// the built-in ones.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	// ErrHookFailure wraps an error returned by a hook. The record is still
	// emitted with its built-in fields.
	ErrHookFailure = errors.New("hook: failed")
	// ErrHookMalformed means the hook returned something other than an
	// object. It stops the run.
	ErrHookMalformed = errors.New("hook: malformed result")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("hook: invalid")
)

// Page is what a hook can reach of the visited tab.
type Page interface {
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
	URL() string
}

// Input describes the visit a hook runs for.
type Input struct {
	Term string `json:"term"`
	URL  string `json:"url"`
}

// Hook returns extra fields for a record.
type Hook interface {
	Extend(ctx context.Context, page Page, in Input) (map[string]any, error)
}

// Func adapts a function to Hook.
type Func func(ctx context.Context, page Page, in Input) (map[string]any, error)

func (f Func) Extend(ctx context.Context, page Page, in Input) (map[string]any, error) {
	return f(ctx, page, in)
}

// Script is the source of a JS function evaluated inside the page as
// fn(document, {term, url}). It may be async. Its result must be a plain
// object.
type Script string

var (
	asyncPrefix = regexp.MustCompile(`^async\s+`)
	funcKeyword = regexp.MustCompile(`^function\b`)
	singleArrow = regexp.MustCompile(`^[A-Za-z_$][\w$]*\s*=>`)
	arrowAfter  = regexp.MustCompile(`^\s*=>`)
)

// isFunctionExpr reports whether src has the shape of a function
// expression once redundant outer parentheses are removed.
func isFunctionExpr(src string) bool {
	src = strings.TrimSpace(src)
	for strings.HasPrefix(src, "(") && closing(src, 0) == len(src)-1 {
		src = strings.TrimSpace(src[1 : len(src)-1])
	}
	src = asyncPrefix.ReplaceAllString(src, "")
	switch {
	case funcKeyword.MatchString(src), singleArrow.MatchString(src):
		return true
	case strings.HasPrefix(src, "("):
		end := closing(src, 0)
		return end > 0 && arrowAfter.MatchString(src[end+1:])
	}
	return false
}

// closing returns the index of the parenthesis closing the one at open,
// skipping string and template literals, or -1.
func closing(src string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// notFunction is returned by the wrapper when the source does not evaluate
// to a function.
const notFunction = "__hook_not_a_function__"

func (s Script) wrapper() string {
	return `(input) => {
	const fn = (` + string(s) + `);
	if (typeof fn !== "function") return "` + notFunction + `";
	return fn(document, input);
}`
}

func (s Script) Extend(ctx context.Context, page Page, in Input) (map[string]any, error) {
	raw, err := page.Eval(ctx, s.wrapper(), in)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte(`"`+notFunction+`"`)) {
		return nil, fmt.Errorf("%w: script is not a function", ErrHookMalformed)
	}
	return decodeObject(raw)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: got %s", ErrHookMalformed, abbrev(trimmed))
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHookMalformed, err)
	}
	return m, nil
}

func abbrev(b []byte) string {
	if len(b) == 0 {
		return "nothing"
	}
	if len(b) > 40 {
		return string(b[:40]) + "..."
	}
	return string(b)
}

// Checker is implemented by hooks that can be checked against a live page
// before the crawl starts.
type Checker interface {
	Check(ctx context.Context, page Page) error
}

// Check evaluates the script in page without calling it and fails with
// ErrInvalid unless it yields a function.
func (s Script) Check(ctx context.Context, page Page) error {
	raw, err := page.Eval(ctx, `() => typeof (`+string(s)+`) === "function"`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !bytes.Equal(bytes.TrimSpace(raw), []byte("true")) {
		return fmt.Errorf("%w: script does not evaluate to a function", ErrInvalid)
	}
	return nil
}

// Validate rejects hooks that can never succeed, before any page is
// visited. A nil hook is valid and means no hook.
func Validate(h Hook) error {
	switch v := h.(type) {
	case nil:
		return nil
	case Func:
		if v == nil {
			return fmt.Errorf("%w: nil func", ErrInvalid)
		}
	case Script:
		if strings.TrimSpace(string(v)) == "" {
			return fmt.Errorf("%w: empty script", ErrInvalid)
		}
		if !isFunctionExpr(string(v)) {
			return fmt.Errorf("%w: script must be a function expression", ErrInvalid)
		}
	}
	return nil
}

// Apply runs h and returns the fields to merge. A failing hook is logged
// and yields no fields; a malformed result is returned as an error wrapping
// ErrHookMalformed.
func Apply(ctx context.Context, h Hook, page Page, in Input, log *slog.Logger) (map[string]any, error) {
	if h == nil {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	fields, err := h.Extend(ctx, page, in)
	if err != nil {
		if errors.Is(err, ErrHookMalformed) {
			return nil, err
		}
		log.Warn("hook: extend failed, keeping built-in fields",
			"term", in.Term, "error", fmt.Errorf("%w: %v", ErrHookFailure, err))
		return nil, nil
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: nil map", ErrHookMalformed)
	}
	return fields, nil
}
