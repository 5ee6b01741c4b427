package sink_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/sink"
)

func TestNormalize(t *testing.T) {
	b := sink.Batch{RunID: "r1", WorkflowID: "wf1", TenantID: "acme", NodeRef: "report"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	doc, err := sink.Normalize(b, json.RawMessage(`{"assetKey":"https://example.com","severity":"high","title":"XSS"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "acme", doc.TenantID)
	assert.Equal(t, "https://example.com", doc.AssetKey)
	assert.Equal(t, "high", doc.Severity)
	assert.Equal(t, "XSS", doc.Title)
	assert.Equal(t, now, doc.IndexedAt)
	assert.JSONEq(t, `{"assetKey":"https://example.com","severity":"high","title":"XSS"}`, string(doc.Finding))
}

func TestNormalizeMissingAssetKeyIsPermanent(t *testing.T) {
	_, err := sink.Normalize(sink.Batch{}, json.RawMessage(`{"title":"no subject"}`), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, sink.ErrPermanent)
	assert.False(t, sink.Retryable(err))
}

func TestNormalizeNonObjectIsPermanent(t *testing.T) {
	_, err := sink.Normalize(sink.Batch{}, json.RawMessage(`[1,2,3]`), time.Now())
	require.ErrorIs(t, err, sink.ErrPermanent)
}

func TestRetryableClassification(t *testing.T) {
	assert.False(t, sink.Retryable(nil))
	assert.True(t, sink.Retryable(errors.New("connection refused")))
	assert.False(t, sink.Retryable(sink.Permanent(errors.New("schema rejected"))))
	assert.Nil(t, sink.Permanent(nil))
}
