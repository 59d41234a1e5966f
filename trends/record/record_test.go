package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetKeepsPosition(t *testing.T) {
	r := New("Term / Date", "coffee")
	r.Set("2020-11-03T00:00:00.000Z", "12")
	r.Set("2020-11-04T00:00:00.000Z", "7")
	r.Set("2020-11-03T00:00:00.000Z", "99")

	assert.Equal(t, []string{"Term / Date", "2020-11-03T00:00:00.000Z", "2020-11-04T00:00:00.000Z"}, r.Keys())
	v, _ := r.Get("2020-11-03T00:00:00.000Z")
	assert.Equal(t, "99", v)
}

func TestMarshalKeepsOrder(t *testing.T) {
	r := New("z", 1, "a", "x", "m", nil)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	if string(b) != `{"z":1,"a":"x","m":null}` {
		t.Errorf("got %s", b)
	}
}

func TestMergeHookWins(t *testing.T) {
	r := New("Term / Date", "coffee", "message", "built-in")
	r.Merge(map[string]any{"message": "hook", "extra": true, "b": 2})

	assert.Equal(t, []string{"Term / Date", "message", "b", "extra"}, r.Keys())
	v, _ := r.Get("message")
	assert.Equal(t, "hook", v)
}

func TestUnmarshalRoundTrip(t *testing.T) {
	in := `{"Term / Date":"tea","2020-11-03T00:00:00.000Z":"5","nested":{"k":[1,2]}}`
	var r Record
	require.NoError(t, json.Unmarshal([]byte(in), &r))
	assert.Equal(t, []string{"Term / Date", "2020-11-03T00:00:00.000Z", "nested"}, r.Keys())

	out, err := json.Marshal(&r)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestUnmarshalRejectsArray(t *testing.T) {
	var r Record
	require.Error(t, json.Unmarshal([]byte(`[1]`), &r))
}

func TestDebugRecord(t *testing.T) {
	r := Debug{URL: "https://x", Label: "SEARCH", RetryCount: 4}.Record()
	require.Equal(t, []string{DebugKey}, r.Keys())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"#debug":{"url":"https://x","label":"SEARCH","retryCount":4,"errorMessages":[]}}`, string(b))
}
