package cache

import (
	"container/list"
	"time"
)

type LRUOpts struct {
	Size int
	// Now is the clock used for TTL expiry. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	key     string
	val     any
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key  string
	val  any
	opts []PutOption
}

// LRU is a size bounded cache. All state is owned by one goroutine; callers
// talk to it over channels.
type LRU struct {
	getCh  chan getReq
	putCh  chan putReq
	delCh  chan string
	lenCh  chan chan int
	stopCh chan struct{}
	now    func() time.Time
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &LRU{
		getCh:  make(chan getReq),
		putCh:  make(chan putReq),
		delCh:  make(chan string),
		lenCh:  make(chan chan int),
		stopCh: make(chan struct{}),
		now:    opts.Now,
	}

	go l.run(opts.Size)

	return l
}

func (l *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp, 1)
	select {
	case l.getCh <- getReq{key: key, resp: resp}:
	case <-l.stopCh:
		return nil, false
	}
	r := <-resp
	return r.val, r.ok
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	select {
	case l.putCh <- putReq{key: key, val: val, opts: opts}:
	case <-l.stopCh:
	}
}

func (l *LRU) Delete(key string) {
	select {
	case l.delCh <- key:
	case <-l.stopCh:
	}
}

// Len returns the number of entries, expired ones included.
func (l *LRU) Len() int {
	resp := make(chan int, 1)
	select {
	case l.lenCh <- resp:
	case <-l.stopCh:
		return 0
	}
	return <-resp
}

// Close stops the cache goroutine. Later calls are no-ops and Get misses.
func (l *LRU) Close() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

func (l *LRU) run(size int) {
	ll := list.New()
	cache := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(cache, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-l.stopCh:
			return

		case req := <-l.getCh:
			ele, ok := cache[req.key]
			if ok && ele.Value.(*entry).expired(l.now()) {
				remove(ele)
				ok = false
			}
			if ok {
				ll.MoveToFront(ele)
				req.resp <- getResp{val: ele.Value.(*entry).val, ok: true}
			} else {
				req.resp <- getResp{ok: false}
			}

		case req := <-l.putCh:
			expires := expiry(l.now(), req.opts)

			if ele, ok := cache[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val = req.val
				e.expires = expires
				continue
			}
			cache[req.key] = ll.PushFront(&entry{key: req.key, val: req.val, expires: expires})
			if ll.Len() > size {
				if last := ll.Back(); last != nil {
					remove(last)
				}
			}

		case key := <-l.delCh:
			if ele, ok := cache[key]; ok {
				remove(ele)
			}

		case resp := <-l.lenCh:
			resp <- ll.Len()
		}
	}
}

var _ Cache = (*LRU)(nil)
