// Package cursor encodes keyset pagination positions into opaque tokens.
//
// A token carries the sort field and direction it was issued for. Decoding it
// against a different sort field or direction is rejected, so a caller that
// changes ordering has to restart from the first page.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

type payload struct {
	SortBy types.SortField `json:"sort_by"`
	Order  types.SortOrder `json:"order"`
	TS     string          `json:"ts"`
	ID     types.JobID     `json:"id"`
}

// Encode returns the token that resumes listing right after pos.
func Encode(field types.SortField, order types.SortOrder, pos types.Position) string {
	raw, _ := json.Marshal(payload{
		SortBy: field,
		Order:  order,
		TS:     pos.Key.UTC().Format(time.RFC3339Nano),
		ID:     pos.ID,
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses token and checks it was issued for (field, order).
// All failures wrap types.ErrInvalidArgument.
func Decode(token string, field types.SortField, order types.SortOrder) (types.Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return types.Position{}, fmt.Errorf("%w: invalid cursor", types.ErrInvalidArgument)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return types.Position{}, fmt.Errorf("%w: invalid cursor", types.ErrInvalidArgument)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.TS)
	if err != nil {
		return types.Position{}, fmt.Errorf("%w: invalid cursor", types.ErrInvalidArgument)
	}
	if p.SortBy != field || p.Order != order {
		return types.Position{}, fmt.Errorf("%w: cursor was issued for sort_by=%s order=%s",
			types.ErrInvalidArgument, p.SortBy, p.Order)
	}
	return types.Position{Key: ts, ID: p.ID}, nil
}
