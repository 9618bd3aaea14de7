package postgres

import (
	"encoding/json"
	"time"
)

func marshalCounts(data map[string]int) []byte {
	if len(data) == 0 {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalCounts(raw []byte) map[string]int {
	if len(raw) == 0 {
		return nil
	}
	var data map[string]int
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
