package transform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philasting/assetpipe/pkg/stream"
)

func uncompressedPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	require.NoError(t, enc.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageMin(t *testing.T) {
	ctx := context.Background()
	step := ImageMin{OptimizationLevel: 5, Progressive: true, Interlaced: true}

	t.Run("Should recompress PNG files losslessly", func(t *testing.T) {
		data := uncompressedPNG(t)
		files, err := step.Apply(ctx, []*stream.File{{Path: "logo.png", Contents: data}})
		require.NoError(t, err)
		assert.Less(t, len(files[0].Contents), len(data))

		img, err := png.Decode(bytes.NewReader(files[0].Contents))
		require.NoError(t, err)
		r, g, b, _ := img.At(10, 10).RGBA()
		assert.Equal(t, []uint32{200, 40, 40}, []uint32{r >> 8, g >> 8, b >> 8})
	})

	t.Run("Should leave images untouched at level 0", func(t *testing.T) {
		data := uncompressedPNG(t)
		files, err := ImageMin{}.Apply(ctx, []*stream.File{{Path: "logo.png", Contents: data}})
		require.NoError(t, err)
		assert.Equal(t, data, files[0].Contents)
	})

	t.Run("Should minify SVG files", func(t *testing.T) {
		src := "<svg xmlns=\"http://www.w3.org/2000/svg\">\n  <!-- icon -->\n  <rect width=\"10\" height=\"10\" />\n</svg>\n"
		files, err := step.Apply(ctx, []*stream.File{{Path: "icon.svg", Contents: []byte(src)}})
		require.NoError(t, err)
		assert.Less(t, len(files[0].Contents), len(src))
		assert.NotContains(t, string(files[0].Contents), "icon")
	})

	t.Run("Should pass through unknown formats", func(t *testing.T) {
		files, err := step.Apply(ctx, []*stream.File{{Path: "notes.txt", Contents: []byte("hello")}})
		require.NoError(t, err)
		assert.Equal(t, "hello", string(files[0].Contents))
	})
}
