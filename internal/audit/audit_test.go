package audit

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRecordWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf)

	sink.Record(context.Background(), Event{
		Type:       "secret.value_accessed",
		Actor:      "fn-42",
		AccountID:  "acct-1",
		Resource:   "secret",
		ResourceID: "sec-9",
		Outcome:    OutcomeGranted,
		Details:    map[string]string{"function_id": "fn-42"},
	})

	line := buf.String()
	require.NotEmpty(t, line)

	assert.Equal(t, "secret.value_accessed", gjson.Get(line, "event").String())
	assert.Equal(t, "granted", gjson.Get(line, "outcome").String())
	assert.Equal(t, "fn-42", gjson.Get(line, "actor").String())
	assert.Equal(t, "acct-1", gjson.Get(line, "account_id").String())
	assert.Equal(t, "secret", gjson.Get(line, "resource").String())
	assert.Equal(t, "sec-9", gjson.Get(line, "resource_id").String())
	assert.Equal(t, "fn-42", gjson.Get(line, "details.function_id").String())
	assert.Equal(t, "audit", gjson.Get(line, "stream").String())
	assert.True(t, gjson.Get(line, "time").Exists())
}

func TestRecordOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf)

	sink.Record(context.Background(), Event{
		Type:    "enclave.request",
		Outcome: OutcomeSuccess,
	})

	line := buf.String()
	assert.False(t, gjson.Get(line, "actor").Exists())
	assert.False(t, gjson.Get(line, "account_id").Exists())
	assert.False(t, gjson.Get(line, "details").Exists())
}

func TestNopSinkDiscards(t *testing.T) {
	sink := Nop()
	// Must not panic and must not write anywhere.
	sink.Record(context.Background(), Event{Type: "x", Outcome: OutcomeDenied})
}
