package table

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<div class="hiddenDiv">
  <svg></svg><div><table><tbody>
    <tr><td>Decoy 1</td><td>99</td></tr>
  </tbody></table></div>
</div>
<bar-chart>
  <svg></svg><div><table><tbody>
    <tr><td>Decoy 2</td><td>98</td></tr>
  </tbody></table></div>
</bar-chart>
<div class="line-chart">
  <svg></svg>
  <div><table><tbody>
    <tr><td>  Nov 3, 2020 </td><td> 12 </td><td>40</td></tr>
    <tr><td>Nov 4, 2020</td><td></td><td>&lt;1</td></tr>
    <tr><td>Nov 4, 2020</td><td>7</td><td>8</td></tr>
  </tbody></table></div>
</div>
<div><table><tbody><tr><td>no svg sibling</td><td>1</td></tr></tbody></table></div>
</body></html>`

func TestExtractVisibleRows(t *testing.T) {
	rows, err := Extract(page, DefaultSelectors)
	require.NoError(t, err)

	want := []Row{
		{Label: "Nov 3, 2020", Values: []string{"12", "40"}},
		{Label: "Nov 4, 2020", Values: []string{"", "<1"}},
		{Label: "Nov 4, 2020", Values: []string{"7", "8"}},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractZeroSelectorsUseDefaults(t *testing.T) {
	rows, err := Extract(page, Selectors{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestExtractNoTable(t *testing.T) {
	rows, err := Extract(`<html><body><p>nothing</p></body></html>`, DefaultSelectors)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestExtractStripsMarkers(t *testing.T) {
	html := "<svg></svg><div><table><tbody><tr><td>‪Nov 3 at 4:00 PM‬</td><td>5</td></tr></tbody></table></div>"
	rows, err := Extract(html, DefaultSelectors)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	if rows[0].Label != "Nov 3 at 4:00 PM" {
		t.Errorf("label: got %q, want %q", rows[0].Label, "Nov 3 at 4:00 PM")
	}
}

func TestStripMarker(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"wrapped", "‪Nov 3‬", "Nov 3"},
		{"plain", "Nov 3", "Nov 3"},
		{"empty", "", ""},
		{"short", "‪", ""},
		{"exactly two marks", "‪‬", ""},
		{"leading only", "‪ab", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripMarker([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractIdempotent(t *testing.T) {
	a, err := Extract(page, DefaultSelectors)
	require.NoError(t, err)
	b, err := Extract(page, DefaultSelectors)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
