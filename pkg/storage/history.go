package storage

import (
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

// Table names outside the flattened data set.
const (
	TableLoadHistory     = "load_history"
	TableDeadLetterQueue = "dead_letter_queue"
)

// EncodeMetrics renders run metrics for the metrics column.
func EncodeMetrics(metrics map[string]any) (string, error) {
	if metrics == nil {
		metrics = map[string]any{}
	}
	b, err := json.Marshal(metrics)
	if err != nil {
		return "", loadererrors.Wrap(err, loadererrors.ErrorTypeQuery, "failed to encode run metrics")
	}
	return string(b), nil
}

// DecodeMetrics parses a stored metrics document. An empty document yields an
// empty map.
func DecodeMetrics(raw []byte) (map[string]any, error) {
	metrics := map[string]any{}
	if len(raw) == 0 {
		return metrics, nil
	}
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeQuery, "failed to decode run metrics")
	}
	return metrics, nil
}

// DeadLetterPayload returns payload as a JSON document. Bytes that are not
// valid JSON are stored as a JSON string so nothing is lost.
func DeadLetterPayload(payload []byte) string {
	if len(payload) > 0 && json.Valid(payload) {
		return string(payload)
	}
	b, _ := json.Marshal(string(payload))
	return string(b)
}
