package transform

import (
	"bytes"
	"context"

	"github.com/andybalholm/brotli"

	"github.com/philasting/assetpipe/pkg/stream"
)

// Brotli adds a precompressed .br sibling for every text file
type Brotli struct {
	Level int
}

func (Brotli) Name() string {
	return "brotli"
}

func (b Brotli) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	level := b.Level
	if level <= 0 || level > brotli.BestCompression {
		level = brotli.BestCompression
	}

	compressed := make([]*stream.File, 0, len(files))
	_, err := eachFile(ctx, b.Name(), files, isText, func(f *stream.File) error {
		var buf bytes.Buffer
		writer := brotli.NewWriterLevel(&buf, level)
		_, err := writer.Write(f.Contents)
		if err != nil {
			return err
		}

		err = writer.Close()
		if err != nil {
			return err
		}

		sibling := f.Clone()
		sibling.Path += ".br"
		sibling.Contents = buf.Bytes()
		sibling.RevOrigPath = ""
		compressed = append(compressed, sibling)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return append(files, compressed...), nil
}
