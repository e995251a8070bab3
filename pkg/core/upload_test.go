package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadStatus_Terminal(t *testing.T) {
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestUpload_JSONShape(t *testing.T) {
	completed := time.Date(2025, 6, 1, 12, 0, 12, 0, time.UTC)
	up := Upload{
		ID:               "up-1",
		FileName:         "jan2024.xlsx",
		FileSize:         2048,
		UploadedAt:       completed.Add(-12 * time.Second),
		Status:           StatusSuccess,
		ProcessingTime:   12,
		CompletedAt:      &completed,
		RecordsProcessed: 340,
		SheetsProcessed:  []string{"2024"},
	}

	data, err := json.Marshal(up)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "jan2024.xlsx", m["fileName"])
	assert.Equal(t, "success", m["status"])
	assert.NotContains(t, m, "errorMessage", "empty failure fields are omitted")
}

func TestBackendStatus_Decode(t *testing.T) {
	raw := `{"isProcessing":false,"status":"error","processingError":"boom","processingTime":3}`

	var st BackendStatus
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	assert.Equal(t, StateError, st.Status)
	assert.Equal(t, "boom", st.ProcessingError)
	assert.Equal(t, 3, st.ProcessingTime)
}
