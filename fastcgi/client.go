package fastcgi

import (
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

//for padding so we don't have to allocate all the time
//not synchronized because we don't care what the contents are
var pad [maxPad]byte

// ClientRequest is a request sent by Client, as a web server would send it.
type ClientRequest struct {
	Role     uint16
	Params   map[string]string
	Stdin    io.Reader
	KeepConn bool
}

// NewClientRequest returns a responder request with the given parameters.
func NewClientRequest(params map[string]string, stdin io.Reader) *ClientRequest {
	return &ClientRequest{
		Role:     RoleResponder,
		Params:   params,
		Stdin:    stdin,
		KeepConn: true,
	}
}

// Client speaks the web server side of the protocol: it sends requests and capability
// queries to a responder.
type Client struct {
	mutex sync.Mutex
	rwc   io.ReadWriteCloser
	ids   idPool

	//to avoid allocations
	buf []byte
	h   header
}

// NewClient wraps an established connection. maxReqs limits the ids in flight.
func NewClient(rwc io.ReadWriteCloser, maxReqs uint32) *Client {
	return &Client{
		rwc: rwc,
		ids: newIDs(maxReqs),
	}
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.rwc.Close()
}

//writeRecord writes and sends a single record padded to a multiple of 8 bytes.
func (c *Client) writeRecord(recType recType, reqID uint16, b []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.h.init(recType, reqID, len(b))

	c.buf = append(c.buf[:0], make([]byte, headerLen)...)
	c.h.encode(c.buf)
	c.buf = append(c.buf, b...)
	c.buf = append(c.buf, pad[:c.h.PaddingLength]...)

	return writeFull(c.rwc, c.buf)
}

//writeStream sends r as records of at most maxWrite bytes, closed by an empty record.
func (c *Client) writeStream(recType recType, reqID uint16, r io.Reader) error {
	if r != nil {
		p := make([]byte, maxWrite)

		for {
			n, err := r.Read(p)
			if n > 0 {
				if werr := c.writeRecord(recType, reqID, p[:n]); werr != nil {
					return werr
				}
			}

			if err == io.EOF {
				break
			}

			if err != nil {
				return errors.Wrapf(err, "read %s stream", recType)
			}
		}
	}

	return c.writeRecord(recType, reqID, nil)
}

//writePairs sends pairs sorted by name, split across records when needed, closed by an empty record.
func (c *Client) writePairs(recType recType, reqID uint16, pairs map[string]string) error {
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b []byte
	for _, name := range names {
		enc := appendPair(nil, name, pairs[name])
		if len(b)+len(enc) > maxWrite && len(b) > 0 {
			if err := c.writeRecord(recType, reqID, b); err != nil {
				return err
			}
			b = b[:0]
		}
		b = append(b, enc...)
	}

	if len(b) > 0 {
		if err := c.writeRecord(recType, reqID, b); err != nil {
			return err
		}
	}

	return c.writeRecord(recType, reqID, nil)
}

// Send writes a complete request and returns its id. The responder does not answer with
// output records, so the id stays allocated until Release.
func (c *Client) Send(req *ClientRequest) (reqID uint16, err error) {
	reqID = c.ids.Alloc()

	defer func() {
		if err != nil {
			_ = c.Abort(reqID)
		}
	}()

	var flags uint8
	if req.KeepConn {
		flags = flagKeepConn
	}

	b := [8]byte{byte(req.Role >> 8), byte(req.Role), flags}
	if err = c.writeRecord(typeBeginRequest, reqID, b[:]); err != nil {
		return reqID, errors.Wrap(err, "begin request")
	}

	if err = c.writePairs(typeParams, reqID, req.Params); err != nil {
		return reqID, errors.Wrap(err, "params")
	}

	if err = c.writeStream(typeStdin, reqID, req.Stdin); err != nil {
		return reqID, errors.Wrap(err, "stdin")
	}

	return reqID, nil
}

// Release makes id available to later requests.
func (c *Client) Release(id uint16) {
	c.ids.Release(id)
}

// Abort asks the responder to drop the request and releases its id.
func (c *Client) Abort(reqID uint16) error {
	defer c.ids.Release(reqID)

	return c.writeRecord(typeAbortRequest, reqID, nil)
}

// GetValues queries the responder's capabilities. Names it does not know are absent
// from the result.
func (c *Client) GetValues(names ...string) (map[string]string, error) {
	var b []byte
	for _, name := range names {
		b = appendPair(b, name, "")
	}

	if err := c.writeRecord(typeGetValues, 0, b); err != nil {
		return nil, errors.Wrap(err, "get values")
	}

	rec, err := c.readRecord()
	if err != nil {
		return nil, errors.Wrap(err, "get values result")
	}

	if rec.h.Type != typeGetValuesResult {
		return nil, errors.Errorf("fastcgi: unexpected %s in reply to %s", rec.h.Type, typeGetValues)
	}

	pairs, err := decodePairs(rec.body)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		values[p.Name] = p.Value
	}

	return values, nil
}

//readRecord reads one reply. Replies are only read by the caller that sent the query.
func (c *Client) readRecord() (rec record, err error) {
	var hb [headerLen]byte
	if _, err = io.ReadFull(c.rwc, hb[:]); err != nil {
		return rec, err
	}

	rec.h = decodeHeader(hb[:])

	b := make([]byte, int(rec.h.ContentLength)+int(rec.h.PaddingLength))
	if _, err = io.ReadFull(c.rwc, b); err != nil {
		return rec, err
	}
	rec.body = b[:rec.h.ContentLength]

	return rec, nil
}
