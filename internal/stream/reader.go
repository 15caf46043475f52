package stream

import (
	"errors"
	"io"
)

const readChunkSize = 4096

// Reader pulls frames from an io.Reader of records.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	queue []Frame
	buf   []byte
	err   error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, dec: NewDecoder(), buf: make([]byte, readChunkSize)}
}

// Next returns the next frame. It returns io.EOF once the input is exhausted
// and every buffered frame was delivered. A truncated stream is reported as a
// final KindError frame before io.EOF. Read errors other than io.EOF are
// returned as is.
func (r *Reader) Next() (Frame, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.queue = append(r.queue, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.queue = append(r.queue, r.dec.Close()...)
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}
	f := r.queue[0]
	r.queue = r.queue[1:]
	return f, nil
}

// Skipped returns how many records were dropped so far.
func (r *Reader) Skipped() int {
	return r.dec.Skipped()
}
