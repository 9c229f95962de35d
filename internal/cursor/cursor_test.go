package cursor

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pos := types.Position{
		Key: time.Date(2025, 9, 15, 8, 30, 0, 123456000, time.UTC),
		ID:  "0b6a7c1e-job",
	}
	token := Encode(types.SortByUpdatedAt, types.OrderAsc, pos)
	assert.NotContains(t, token, "=", "token must be url-safe without padding")

	got, err := Decode(token, types.SortByUpdatedAt, types.OrderAsc)
	require.NoError(t, err)
	assert.True(t, got.Key.Equal(pos.Key))
	assert.Equal(t, pos.ID, got.ID)
}

func TestDecodeRejects(t *testing.T) {
	valid := Encode(types.SortByCreatedAt, types.OrderDesc, types.Position{Key: time.Now(), ID: "a"})

	tests := []struct {
		name  string
		token string
		field types.SortField
		order types.SortOrder
	}{
		{"garbage", "!!not-base64!!", types.SortByCreatedAt, types.OrderDesc},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello")), types.SortByCreatedAt, types.OrderDesc},
		{"missing id", base64.RawURLEncoding.EncodeToString([]byte(`{"sort_by":"created_at","order":"desc","ts":"2025-01-01T00:00:00Z"}`)), types.SortByCreatedAt, types.OrderDesc},
		{"bad timestamp", base64.RawURLEncoding.EncodeToString([]byte(`{"sort_by":"created_at","order":"desc","ts":"yesterday","id":"a"}`)), types.SortByCreatedAt, types.OrderDesc},
		{"other sort field", valid, types.SortByUpdatedAt, types.OrderDesc},
		{"other order", valid, types.SortByCreatedAt, types.OrderAsc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token, tt.field, tt.order)
			assert.ErrorIs(t, err, types.ErrInvalidArgument)
		})
	}
}
