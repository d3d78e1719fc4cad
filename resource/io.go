package resource

import (
	"context"
	"io"
)

// Reader throttles an io.Reader through a Controller.
type Reader struct {
	ctx context.Context
	r   io.Reader
	c   *Controller
}

// NewReader wraps r. Reads are charged after they complete.
func NewReader(ctx context.Context, r io.Reader, c *Controller) *Reader {
	return &Reader{ctx: ctx, r: r, c: c}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.c.WaitIO(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Writer throttles an io.Writer through a Controller.
type Writer struct {
	ctx context.Context
	w   io.Writer
	c   *Controller
}

// NewWriter wraps w. Writes are charged before they start.
func NewWriter(ctx context.Context, w io.Writer, c *Controller) *Writer {
	return &Writer{ctx: ctx, w: w, c: c}
}

func (w *Writer) Write(p []byte) (int, error) {
	if err := w.c.WaitIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
