package fastcgi

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	errZeroWrite  = errors.New("fastcgi: zero-byte write")
	errConnClosed = errors.New("fastcgi: connection closed")
)

//conn serves the records of one accepted connection. The read loop owns the
//recordReader; application invocations run on their own goroutines and share the
//context table and the write side.
type conn struct {
	srv      *Server
	rwc      io.ReadWriteCloser
	log      logrus.FieldLogger
	reader   *recordReader
	contexts *contextTable

	//slots bounds concurrent invocations, nil when unbounded
	slots *semaphore.Weighted

	wmu  sync.Mutex
	wbuf []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(srv *Server, rwc io.ReadWriteCloser) *conn {
	c := &conn{
		srv:      srv,
		rwc:      rwc,
		log:      srv.logger(),
		reader:   newRecordReader(rwc),
		contexts: newContextTable(),
		wbuf:     make([]byte, 0, headerLen+64),
		done:     make(chan struct{}),
	}

	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		c.log = c.log.WithField("remote", nc.RemoteAddr().String())
	}

	if n := srv.Capabilities.MaxReqs; n > 0 {
		c.slots = semaphore.NewWeighted(int64(n))
	}

	return c
}

//serve reads and dispatches records in wire order until a terminal condition.
func (c *conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("panic while serving connection: %v", r)
			c.close()
		}
	}()

	for {
		rec, err := c.reader.readRecord()
		if err != nil {
			c.readFailed(err)
			c.close()
			return
		}

		c.srv.metrics.recordRead(rec.h.Type)

		if !c.dispatch(rec) {
			return
		}
	}
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) readFailed(err error) {
	switch {
	case c.closed():
		c.log.WithError(err).Debug("read on closed connection")

	case errors.Cause(err) == io.EOF:
		c.log.Debug("connection closed by peer")

	default:
		c.log.WithError(err).Error("read failed")
	}
}

//dispatch applies one record. It returns false when the read loop must stop.
func (c *conn) dispatch(rec record) bool {
	if !rec.h.Type.supported() {
		return c.unknownType(rec.h)
	}

	switch rec.h.Type {
	case typeBeginRequest:
		return c.beginRequest(rec)

	case typeAbortRequest:
		return c.abortRequest(rec)

	case typeParams:
		return c.params(rec)

	case typeStdin:
		return c.stdin(rec)

	case typeGetValues:
		return c.getValues(rec)
	}

	return true
}

func (c *conn) recordLog(h header) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"type": h.Type.String(),
		"id":   h.ID,
	})
}

//unknownType answers a record the responder does not handle and keeps reading.
func (c *conn) unknownType(h header) bool {
	c.recordLog(h).Debugf("unsupported record type %d", uint8(h.Type))

	body := [2]byte{byte(h.Type), 0}
	if err := c.writeRecord(typeUnknownType, h.ID, h.Version, body[:]); err != nil {
		c.writeFailed(err)
		return false
	}

	return true
}

func (c *conn) beginRequest(rec record) bool {
	if len(rec.body) < 3 {
		c.srv.metrics.protocolError()
		c.recordLog(rec.h).Warnf("begin request body too short (%d bytes)", len(rec.body))
		return true
	}

	role := binary.BigEndian.Uint16(rec.body[0:2])
	keepAlive := rec.body[2]&flagKeepConn != 0

	ctx := newContext(rec.h, role, keepAlive)
	c.recordLog(rec.h).WithField("role", roleName(role)).Debug("begin request")

	if stale := c.contexts.put(ctx); stale != nil {
		c.recordLog(rec.h).Warn("request id reused while still active")

		if !stale.Invoked() {
			stale.dispose(ErrAborted)
		}
	}

	return true
}

//abortRequest removes the context. A running application only observes the
//cancellation of its context.Context; it is not otherwise interrupted.
func (c *conn) abortRequest(rec record) bool {
	ctx := c.contexts.remove(rec.h.ID)
	if ctx == nil {
		return true
	}

	c.srv.metrics.aborted()
	ctx.dispose(ErrAborted)

	if !ctx.KeepAlive {
		c.close()
		return false
	}

	return true
}

func (c *conn) params(rec record) bool {
	ctx := c.contexts.get(rec.h.ID)
	if ctx == nil || len(rec.body) == 0 {
		return true
	}

	//the request belongs to the application once its input is complete
	if ctx.Request.Body.Completed() {
		c.srv.metrics.protocolError()
		c.recordLog(rec.h).Warn("dropping params record after end of input")
		return true
	}

	pairs, err := decodePairs(rec.body)
	if err != nil {
		c.srv.metrics.protocolError()
		c.recordLog(rec.h).WithError(err).Warn("dropping params record")
		return true
	}

	if err := ctx.Request.applyParams(pairs); err != nil {
		c.recordLog(rec.h).WithError(err).Warn("ignoring parameter")
	}

	return true
}

func (c *conn) stdin(rec record) bool {
	ctx := c.contexts.get(rec.h.ID)
	if ctx == nil {
		return true
	}

	if len(rec.body) > 0 {
		if _, err := ctx.Request.Body.Write(rec.body); err != nil {
			c.recordLog(rec.h).WithError(err).Warn("dropping stdin record")
		}

		return true
	}

	ctx.Request.Body.Complete()

	if c.closed() {
		return false
	}

	if ctx.markInvoked() && !c.srv.invoke(c, ctx) {
		c.recordLog(rec.h).Debug("server shutting down, request dropped")
		c.contexts.removeContext(ctx)
		ctx.dispose(ErrServerClosed)
		c.close()
		return false
	}

	//without keep-alive the invocation closes the connection when it finishes
	return ctx.KeepAlive
}

//getValues answers a capability query. It is connection scoped and needs no context.
func (c *conn) getValues(rec record) bool {
	pairs, err := decodePairs(rec.body)
	if err != nil {
		c.srv.metrics.protocolError()
		c.recordLog(rec.h).WithError(err).Warn("dropping get values record")
		return true
	}

	caps := c.srv.Capabilities
	seen := make(map[string]bool, 3)

	var reply []byte
	for _, p := range pairs {
		if seen[p.Name] {
			continue
		}

		switch p.Name {
		case valueMaxConns:
			reply = appendPair(reply, p.Name, strconv.Itoa(caps.MaxConns))

		case valueMaxReqs:
			reply = appendPair(reply, p.Name, strconv.Itoa(caps.MaxReqs))

		case valueMpxsConns:
			mpxs := "0"
			if caps.Multiplex {
				mpxs = "1"
			}
			reply = appendPair(reply, p.Name, mpxs)

		default:
			continue
		}
		seen[p.Name] = true
	}

	if err := c.writeRecord(typeGetValuesResult, rec.h.ID, rec.h.Version, reply); err != nil {
		c.writeFailed(err)
		return false
	}

	return true
}

//run invokes the application for ctx, holding a request slot when MaxReqs is set.
func (c *conn) run(ctx *Context) (err error) {
	if c.slots != nil {
		if err = c.slots.Acquire(ctx.ctx, 1); err != nil {
			return errors.Wrap(err, "acquire request slot")
		}
		defer c.slots.Release(1)
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("application panic: %v", r)
		}
	}()

	return c.srv.App.ServeFCGI(ctx.ctx, ctx)
}

//finish is the completion path of an invocation: the context leaves the table whatever
//the outcome, and a connection without keep-alive is closed.
func (c *conn) finish(ctx *Context, err error) {
	log := c.log.WithField("id", ctx.ID)

	if err != nil {
		log.WithError(err).Error("application failed")
	} else {
		log.Debug("request complete")
	}

	c.srv.metrics.invoked(err)
	c.contexts.removeContext(ctx)
	ctx.dispose(nil)

	if !ctx.KeepAlive {
		c.close()
	}
}

//writeRecord frames body and sends it as a single record with no padding.
func (c *conn) writeRecord(t recType, reqID uint16, ver uint8, body []byte) error {
	if len(body) > maxWrite {
		return errors.Errorf("fastcgi: %s body of %d bytes exceeds record limit", t, len(body))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	h := header{
		Version:       ver,
		Type:          t,
		ID:            reqID,
		ContentLength: uint16(len(body)),
	}

	c.wbuf = c.wbuf[:headerLen]
	h.encode(c.wbuf)
	c.wbuf = append(c.wbuf, body...)

	return writeFull(c.rwc, c.wbuf)
}

//writeFull keeps writing until b is sent, a write fails or a write makes no progress.
func writeFull(w io.Writer, b []byte) error {
	for offset := 0; offset < len(b); {
		n, err := w.Write(b[offset:])
		offset += n

		if err != nil {
			return errors.Wrapf(err, "write (%d of %d bytes)", offset, len(b))
		}

		if n == 0 {
			return errors.Wrapf(errZeroWrite, "write (%d of %d bytes)", offset, len(b))
		}
	}

	return nil
}

func (c *conn) writeFailed(err error) {
	if c.closed() {
		c.log.WithError(err).Debug("write on closed connection")
	} else {
		c.log.WithError(err).Error("write failed")
	}

	c.close()
}

type closeReader interface {
	CloseRead() error
}

type closeWriter interface {
	CloseWrite() error
}

//close tears the connection down once. Every step is attempted and failures are
//only logged.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		var result *multierror.Error

		if cr, ok := c.rwc.(closeReader); ok {
			if err := cr.CloseRead(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "shutdown read"))
			}
		}

		if cw, ok := c.rwc.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "shutdown write"))
			}
		}

		if err := c.rwc.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close"))
		}

		for _, ctx := range c.contexts.drain() {
			ctx.dispose(errConnClosed)
		}

		if err := result.ErrorOrNil(); err != nil {
			c.log.WithError(err).Debug("connection teardown")
		}

		c.srv.untrack(c)
	})
}
