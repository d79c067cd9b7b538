package progress

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimitedReader_Unlimited(t *testing.T) {
	src := strings.NewReader("abc")

	assert.Same(t, io.Reader(src), NewLimitedReader(context.Background(), src, 0))
}

func TestLimitedReader_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := NewLimitedReader(ctx, strings.NewReader(strings.Repeat("x", 64)), 8)

	buf := make([]byte, 8)
	_, err := r.Read(buf)
	require.NoError(t, err, "the first burst is free")

	cancel()

	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, context.Canceled)
}
