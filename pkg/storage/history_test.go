package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRoundTrip(t *testing.T) {
	encoded, err := EncodeMetrics(map[string]any{
		"records_processed":        3,
		"records_loaded_per_table": map[string]int{"studies": 3},
	})
	require.NoError(t, err)

	decoded, err := DecodeMetrics([]byte(encoded))
	require.NoError(t, err)
	assert.Equal(t, float64(3), decoded["records_processed"])
	assert.Equal(t, map[string]any{"studies": float64(3)}, decoded["records_loaded_per_table"])

	empty, err := EncodeMetrics(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	decoded, err = DecodeMetrics(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)

	_, err = DecodeMetrics([]byte("{"))
	assert.Error(t, err)
}

func TestDeadLetterPayload(t *testing.T) {
	assert.Equal(t, `{"a":1}`, DeadLetterPayload([]byte(`{"a":1}`)))
	assert.Equal(t, `"{broken"`, DeadLetterPayload([]byte(`{broken`)))
	assert.Equal(t, `""`, DeadLetterPayload(nil))
}
