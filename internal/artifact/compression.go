package artifact

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"

	"cytoprofile/internal/profile"
)

// Compression selects the artifact byte encoding.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
)

// ParseCompression accepts the names above; empty means none.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionSnappy:
		return c, nil
	default:
		return "", profile.Configf("unknown compression %q", s)
	}
}

// Extension is appended to artifact keys.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionSnappy:
		return ".sz"
	}
	return ""
}

// ContentType is the MIME type recorded on the blob.
func (c Compression) ContentType() string {
	switch c {
	case CompressionGzip:
		return "application/gzip"
	case CompressionSnappy:
		return "application/x-snappy-framed"
	}
	return "text/csv"
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (c Compression) writer(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionSnappy:
		return snappy.NewBufferedWriter(w), nil
	}
	return nil, profile.Configf("unknown compression %q", string(c))
}

func (c Compression) reader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionNone, "":
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case CompressionSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	}
	return nil, profile.Configf("unknown compression %q", string(c))
}
