package fastcgi

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var (
	//ErrBodyComplete is returned when appending to a stream that already saw end-of-input.
	ErrBodyComplete = errors.New("fastcgi: body stream already complete")

	//ErrAborted closes the body of a request cancelled by FCGI_ABORT_REQUEST.
	ErrAborted = errors.New("fastcgi: request aborted")
)

// BodyStream is the request body sink. The connection appends FCGI_STDIN chunks while the
// application reads concurrently; Read blocks until data arrives or the stream ends.
type BodyStream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	length   int64
	complete bool
	err      error
}

func newBodyStream() *BodyStream {
	b := &BodyStream{length: -1}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// SetLength records the length announced by CONTENT_LENGTH.
func (b *BodyStream) SetLength(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.length = n
}

// Length returns the announced length or -1 when unknown.
func (b *BodyStream) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.length
}

// Write appends p to the stream.
func (b *BodyStream) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return 0, b.err
	}

	if b.complete {
		return 0, ErrBodyComplete
	}

	n, _ := b.buf.Write(p)
	b.cond.Broadcast()

	return n, nil
}

// Complete marks end-of-input. It reports false when the stream was already complete.
func (b *BodyStream) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.complete {
		return false
	}

	b.complete = true
	b.cond.Broadcast()

	return true
}

// Completed reports whether end-of-input has been seen.
func (b *BodyStream) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.complete
}

// Read implements io.Reader. Buffered data is returned before io.EOF or the close error;
// a stream closed after end-of-input reports the close error.
func (b *BodyStream) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 {
		if b.err != nil {
			return 0, b.err
		}

		if b.complete {
			return 0, io.EOF
		}

		if len(p) == 0 {
			return 0, nil
		}

		b.cond.Wait()
	}

	return b.buf.Read(p)
}

// CloseWithError fails future writes with err. Readers drain buffered data first.
func (b *BodyStream) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()

	return nil
}

// Close implements io.Closer for use as an http.Request body.
func (b *BodyStream) Close() error {
	return b.CloseWithError(nil)
}
