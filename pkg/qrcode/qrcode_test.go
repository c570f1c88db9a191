package qrcode_test

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/pkg/qrcode"
)

func TestPNG(t *testing.T) {
	t.Parallel()

	t.Run("encodes invite link", func(t *testing.T) {
		t.Parallel()
		data, err := qrcode.PNG("https://media.example.com/j/ABC123", 128)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 128, img.Bounds().Dx())
	})

	t.Run("oversized falls back to default", func(t *testing.T) {
		t.Parallel()
		data, err := qrcode.PNG("x", 10_000)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, qrcode.DefaultSize, img.Bounds().Dx())
	})

	t.Run("empty content", func(t *testing.T) {
		t.Parallel()
		_, err := qrcode.PNG("  ", 0)
		assert.ErrorIs(t, err, qrcode.ErrEmptyContent)
	})
}
