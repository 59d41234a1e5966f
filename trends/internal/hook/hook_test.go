package hook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	result json.RawMessage
	err    error
	js     string
	args   []any
}

func (p *fakePage) Eval(_ context.Context, js string, args ...any) (json.RawMessage, error) {
	p.js = js
	p.args = args
	return p.result, p.err
}

func (p *fakePage) URL() string { return "https://trends.google.com/trends/explore?q=tea" }

var in = Input{Term: "tea", URL: "https://trends.google.com/trends/explore?q=tea"}

func TestApplyNilHook(t *testing.T) {
	fields, err := Apply(context.Background(), nil, &fakePage{}, in, nil)
	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestApplyFunc(t *testing.T) {
	h := Func(func(_ context.Context, p Page, in Input) (map[string]any, error) {
		return map[string]any{"url": p.URL(), "term": in.Term}, nil
	})
	fields, err := Apply(context.Background(), h, &fakePage{}, in, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": in.URL, "term": "tea"}, fields)
}

func TestApplyFailureKeepsBuiltIns(t *testing.T) {
	h := Func(func(context.Context, Page, Input) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	fields, err := Apply(context.Background(), h, &fakePage{}, in, nil)
	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestApplyNilMapIsMalformed(t *testing.T) {
	h := Func(func(context.Context, Page, Input) (map[string]any, error) {
		return nil, nil
	})
	_, err := Apply(context.Background(), h, &fakePage{}, in, nil)
	require.ErrorIs(t, err, ErrHookMalformed)
}

func TestScriptObject(t *testing.T) {
	page := &fakePage{result: json.RawMessage(`{"title":"Explore","n":3}`)}
	fields, err := Apply(context.Background(), Script(`(doc, {term}) => ({title: doc.title, n: 3})`), page, in, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Explore", "n": float64(3)}, fields)
	assert.Contains(t, page.js, "fn(document, input)")
	require.Len(t, page.args, 1)
	assert.Equal(t, in, page.args[0])
}

func TestScriptNonObject(t *testing.T) {
	for _, raw := range []string{`null`, `[1,2]`, `"x"`, `42`, ``} {
		page := &fakePage{result: json.RawMessage(raw)}
		_, err := Apply(context.Background(), Script(`() => null`), page, in, nil)
		require.ErrorIs(t, err, ErrHookMalformed, raw)
	}
}

func TestScriptNotAFunction(t *testing.T) {
	page := &fakePage{result: json.RawMessage(`"` + notFunction + `"`)}
	_, err := Apply(context.Background(), Script(`(42)`), page, in, nil)
	require.ErrorIs(t, err, ErrHookMalformed)
}

func TestScriptThrowIsFailure(t *testing.T) {
	page := &fakePage{err: errors.New("eval: ReferenceError")}
	fields, err := Apply(context.Background(), Script(`() => x.y`), page, in, nil)
	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestValidate(t *testing.T) {
	var nilFunc Func
	tests := []struct {
		name string
		h    Hook
		ok   bool
	}{
		{"nil", nil, true},
		{"func", Func(func(context.Context, Page, Input) (map[string]any, error) { return nil, nil }), true},
		{"nil func", nilFunc, false},
		{"arrow", Script(`(document, input) => ({})`), true},
		{"async arrow", Script(`async (d) => ({})`), true},
		{"single param arrow", Script(`d => ({})`), true},
		{"function", Script(`function (d, i) { return {} }`), true},
		{"empty", Script("  "), false},
		{"statement", Script(`return {a: 1}`), false},
		{"object", Script(`{a: 1}`), false},
		{"parenthesised arrow", Script(`((d) => ({}))`), true},
		{"parenthesised function", Script(` (function (d) { return {} }) `), true},
		{"arithmetic", Script(`(1+2)`), false},
		{"parenthesised object", Script(`({a: 1})`), false},
		{"member access", Script(`(window.x)`), false},
		{"call", Script(`(d) (1)`), false},
		{"paren in string", Script(`(d = ")") => ({})`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.h)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestWrapperEmbedsSource(t *testing.T) {
	w := Script(`(d) => ({})`).wrapper()
	assert.True(t, strings.Contains(w, `const fn = ((d) => ({}));`))
}

func TestScriptCheck(t *testing.T) {
	page := &fakePage{result: json.RawMessage(`true`)}
	require.NoError(t, Script(`(d) => ({})`).Check(context.Background(), page))
	assert.Contains(t, page.js, `typeof ((d) => ({}))`)

	page = &fakePage{result: json.RawMessage(`false`)}
	assert.ErrorIs(t, Script(`(1+2)`).Check(context.Background(), page), ErrInvalid)

	page = &fakePage{err: errors.New("eval: SyntaxError: Unexpected end of input")}
	assert.ErrorIs(t, Script(`(d) => ({`).Check(context.Background(), page), ErrInvalid)
}
