package fastcgi

import (
	"context"
	"sync"
	"sync/atomic"
)

// Context is the engine side state of one in-flight request on a connection.
type Context struct {
	ID        uint16
	Version   uint8
	Role      uint16
	KeepAlive bool
	Request   *Request

	invoked int32

	ctx    context.Context
	cancel context.CancelFunc
}

func newContext(h header, role uint16, keepAlive bool) *Context {
	ctx, cancel := context.WithCancel(context.Background())

	return &Context{
		ID:        h.ID,
		Version:   h.Version,
		Role:      role,
		KeepAlive: keepAlive,
		Request:   newRequest(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

//markInvoked reports true exactly once per context.
func (c *Context) markInvoked() bool {
	return atomic.CompareAndSwapInt32(&c.invoked, 0, 1)
}

// Invoked reports whether the application has been scheduled for this context.
func (c *Context) Invoked() bool {
	return atomic.LoadInt32(&c.invoked) == 1
}

//dispose releases the context after removal from the table.
func (c *Context) dispose(err error) {
	c.cancel()
	_ = c.Request.Body.CloseWithError(err)
}

//contextTable maps request ids to contexts of one connection. The read loop and the
//application completion path both mutate it.
type contextTable struct {
	mu       sync.Mutex
	contexts map[uint16]*Context
}

func newContextTable() *contextTable {
	return &contextTable{contexts: make(map[uint16]*Context)}
}

//put stores c, replacing any stale context with the same id. The replaced context is returned.
func (t *contextTable) put(c *Context) (stale *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stale = t.contexts[c.ID]
	t.contexts[c.ID] = c

	return stale
}

func (t *contextTable) get(id uint16) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.contexts[id]
}

//remove deletes the context with the given id and returns it, or nil when absent.
func (t *contextTable) remove(id uint16) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.contexts[id]
	if !ok {
		return nil
	}
	delete(t.contexts, id)

	return c
}

//removeContext deletes c only if it is still the entry for its id, so a finished
//invocation never evicts a newer request that reused the id.
func (t *contextTable) removeContext(c *Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.contexts[c.ID] != c {
		return false
	}
	delete(t.contexts, c.ID)

	return true
}

func (t *contextTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.contexts)
}

//drain empties the table and returns what it held.
func (t *contextTable) drain() []*Context {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Context, 0, len(t.contexts))
	for id, c := range t.contexts {
		out = append(out, c)
		delete(t.contexts, id)
	}

	return out
}
