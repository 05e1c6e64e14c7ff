package search

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursor pins a pagination position to the last row returned. T carries the
// ordering timestamp (event or ingest time, millis) and I the row id.
type cursor struct {
	T int64 `json:"t"`
	I int64 `json:"i"`
}

func encodeCursor(ts, id int64) string {
	raw, _ := json.Marshal(cursor{T: ts, I: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if c.T <= 0 || c.I <= 0 {
		return cursor{}, fmt.Errorf("%w: non-positive position", ErrBadCursor)
	}
	return c, nil
}
