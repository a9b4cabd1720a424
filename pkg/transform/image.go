package transform

import (
	"bytes"
	"context"
	"image/gif"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/philasting/assetpipe/pkg/stream"
)

// ImageMin compresses images losslessly. Files that can't be made smaller are passed through.
type ImageMin struct {
	// OptimizationLevel ranges from 0 to 7. Levels of 5 and above use the best PNG compression.
	OptimizationLevel int
	// Progressive and Interlaced are accepted for JPEG and GIF files but neither encoder
	// supports writing those variants.
	Progressive bool
	Interlaced  bool
}

func (ImageMin) Name() string {
	return "imagemin"
}

func (im ImageMin) optimizePNG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if im.OptimizationLevel >= 5 {
		enc.CompressionLevel = png.BestCompression
	}

	var buf bytes.Buffer
	err = enc.Encode(&buf, img)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func optimizeGIF(data []byte) ([]byte, error) {
	anim, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = gif.EncodeAll(&buf, anim)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (im ImageMin) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	m := minify.New()
	m.AddFunc("image/svg+xml", svg.Minify)

	return eachFile(ctx, im.Name(), files, nil, func(f *stream.File) error {
		var (
			out []byte
			err error
		)

		mtype := mimetype.Detect(f.Contents)
		switch {
		case mtype.Is("image/png"):
			if im.OptimizationLevel == 0 {
				return nil
			}
			out, err = im.optimizePNG(f.Contents)
		case mtype.Is("image/gif"):
			if im.OptimizationLevel == 0 {
				return nil
			}
			out, err = optimizeGIF(f.Contents)
		case mtype.Is("image/svg+xml") || hasExt(f, ".svg"):
			out, err = m.Bytes("image/svg+xml", f.Contents)
		default:
			return nil
		}
		if err != nil {
			return err
		}

		if len(out) < len(f.Contents) {
			f.Contents = out
		}
		return nil
	})
}
