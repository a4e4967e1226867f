//go:build brotli

package compressor

import (
	"io"

	"github.com/andybalholm/brotli"
)

func init() {
	Register(Brotli, &Handler{
		NewEncoder: func(dst io.Writer) (io.WriteCloser, error) {
			return brotli.NewWriterLevel(dst, 6), nil
		},
		NewDecoder: func(src io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(brotli.NewReader(src)), nil
		},
	})
}
