package grpc

import (
	"io"
	"sync"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
)

// SnappyName is the grpc-encoding value negotiated for snappy-compressed messages.
const SnappyName = "snappy"

func init() {
	encoding.RegisterCompressor(newSnappyCompressor())
}

// snappyCompressor frames messages with the snappy stream format. Frames are small and sent
// at the stream rate, so the block codec's speed matters more than its ratio.
type snappyCompressor struct {
	writers sync.Pool
}

func newSnappyCompressor() *snappyCompressor {
	c := &snappyCompressor{}
	c.writers.New = func() any { return snappy.NewBufferedWriter(nil) }
	return c
}

// Name reports the identifier advertised in the grpc-encoding header.
func (c *snappyCompressor) Name() string { return SnappyName }

// Compress wraps w so writes are snappy encoded until Close.
func (c *snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	//1.- Reuse pooled writers; the returned closer hands them back after flushing.
	sw := c.writers.Get().(*snappy.Writer)
	sw.Reset(w)
	return &pooledWriter{Writer: sw, pool: &c.writers}, nil
}

// Decompress wraps r so reads return the decoded message bytes.
func (c *snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}

type pooledWriter struct {
	*snappy.Writer
	pool *sync.Pool
}

func (w *pooledWriter) Close() error {
	err := w.Writer.Close()
	w.pool.Put(w.Writer)
	return err
}

var _ encoding.Compressor = (*snappyCompressor)(nil)
