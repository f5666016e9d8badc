package fastcgi

//idPool hands out request ids for a client connection. Id 0 is reserved for
//management records and never allocated.
type idPool struct {
	ids chan uint16
}

//Alloc blocks until an id is free
func (p *idPool) Alloc() uint16 {
	return <-p.ids
}

//Release returns an id to the pool
func (p *idPool) Release(id uint16) {
	select {
	case p.ids <- id:
	default:
	}
}

func newIDs(limit uint32) (p idPool) {
	if limit == 0 || limit > 65535 {
		limit = 65535
	}

	p.ids = make(chan uint16, limit)
	for i := uint32(1); i <= limit; i++ {
		p.ids <- uint16(i)
	}

	return
}
