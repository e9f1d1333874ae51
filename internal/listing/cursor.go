package listing

import (
	"encoding/base64"
	"encoding/json"

	"filedex/internal/core"
)

// cursor is the opaque paging token. It pins the view and sort parameters
// it was minted under so a caller cannot resume a page stream with
// different ordering.
type cursor struct {
	View      string `json:"v"`
	OrderBy   string `json:"ob"`
	Order     string `json:"o"`
	LastValue string `json:"lv"`
	LastID    int64  `json:"id"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, core.E(core.KindInvalidArgument, "malformed cursor")
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, core.E(core.KindInvalidArgument, "malformed cursor")
	}
	return &c, nil
}
