package fastcgi

import (
	"io"

	"github.com/pkg/errors"
)

//errZeroRead is returned when a read delivers no bytes and no error.
var errZeroRead = errors.New("fastcgi: zero-byte read")

type readState uint8

const (
	stateHeader readState = iota
	stateBody
	statePadding
)

func (s readState) String() string {
	switch s {
	case stateHeader:
		return "header"
	case stateBody:
		return "body"
	default:
		return "padding"
	}
}

//record is one completed record: header plus exactly ContentLength body bytes.
type record struct {
	h    header
	body []byte
}

//recordReader drives Header -> Body -> Padding over r, accumulating partial reads.
//Each state owns a target length and reads into buf[offset:target] until it is full.
type recordReader struct {
	r io.Reader

	state  readState
	target int
	offset int

	hbuf [headerLen]byte
	buf  [maxWrite + maxPad]byte

	h header
}

func newRecordReader(r io.Reader) *recordReader {
	rr := &recordReader{r: r}
	rr.enter(stateHeader)

	return rr
}

func (rr *recordReader) enter(s readState) {
	rr.state = s
	rr.offset = 0

	switch s {
	case stateHeader:
		rr.target = headerLen
	case stateBody:
		rr.target = int(rr.h.ContentLength)
	case statePadding:
		rr.target = int(rr.h.PaddingLength)
	}
}

func (rr *recordReader) window() []byte {
	switch rr.state {
	case stateHeader:
		return rr.hbuf[rr.offset:rr.target]
	case stateBody:
		return rr.buf[rr.offset:rr.target]
	default:
		return rr.buf[maxWrite : maxWrite+rr.target][rr.offset:]
	}
}

//fill issues one read for the remainder of the current state.
func (rr *recordReader) fill() error {
	n, err := rr.r.Read(rr.window())
	rr.offset += n

	if err != nil {
		if err == io.EOF && rr.state == stateHeader && rr.offset == 0 {
			return io.EOF
		}

		return errors.Wrapf(err, "read %s (%d of %d bytes)", rr.state, rr.offset, rr.target)
	}

	if n == 0 {
		return errors.Wrapf(errZeroRead, "read %s", rr.state)
	}

	return nil
}

//readRecord returns the next complete record. The body slice is only valid until the next call.
//Padding is drained before the record is returned, so a peer that blocks until its whole
//record is written never waits on a reply to it.
func (rr *recordReader) readRecord() (rec record, err error) {
	for rr.offset < rr.target {
		if err = rr.fill(); err != nil {
			return rec, err
		}
	}

	rr.h = decodeHeader(rr.hbuf[:])

	for _, s := range []readState{stateBody, statePadding} {
		rr.enter(s)

		for rr.offset < rr.target {
			if err = rr.fill(); err != nil {
				return rec, err
			}
		}
	}

	rr.enter(stateHeader)

	return record{h: rr.h, body: rr.buf[:rr.h.ContentLength]}, nil
}
