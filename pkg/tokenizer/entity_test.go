package tokenizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEntityDefaults(t *testing.T) {
	ttl := time.Hour
	e := newEntity([]byte("internal-1"), ttl, 3)

	require.Equal(t, 3, e.MinAssuranceForResolution)
	require.NotNil(t, e.OpenBatch)
	require.Empty(t, e.OpenBatch)
	require.True(t, e.Expires.After(e.Created))
	require.WithinDuration(t, e.Created.Add(ttl), e.Expires, time.Second)
}

func TestPinLevelKey(t *testing.T) {
	cases := []struct {
		level int
		want  string
	}{
		{-1, unpinnedKey},
		{-100, unpinnedKey},
		{0, "0"},
		{2, "2"},
		{5, "5"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, pinLevelKey(tc.level))
	}
}
