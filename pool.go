package realm

import (
	"fmt"
	"sync"
)

// poolCleanupJS removes per-run state and user-set temporaries from
// globalThis before a realm is returned to the pool. Installed builtins
// and the module registry survive; parked callbacks do not.
const poolCleanupJS = `
(function() {
	var perRun = ['__rm_importResult', '__rm_importError',
		'__awaited_result', '__awaited_state'];
	for (var i = 0; i < perRun.length; i++) {
		try { delete globalThis[perRun[i]]; } catch(e) {}
	}
	if (globalThis.__rm_timerCallbacks) globalThis.__rm_timerCallbacks = {};
	if (globalThis.__rm_microtasks) globalThis.__rm_microtasks = {};
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var n = names[i];
		if (n.indexOf('__tmp_') === 0) {
			try { delete globalThis[n]; } catch(e) {}
		}
	}
})();
`

// Pool manages a fixed-size set of pre-warmed realms sharing one host.
// Bootstrap cost (global installation, class table, loader wiring) is
// paid once per slot instead of once per run.
type Pool struct {
	realms chan *Realm
	size   int
	host   Host
	opts   Options

	mu     sync.Mutex
	closed bool
}

// NewPool creates size realms up front. On any failure the already
// created realms are torn down.
func NewPool(size int, host Host, opts Options) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		realms: make(chan *Realm, size),
		size:   size,
		host:   host,
		opts:   opts,
	}
	for i := 0; i < size; i++ {
		r, err := Create(host, opts)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("creating pool realm %d: %w", i, err)
		}
		p.realms <- r
	}
	return p, nil
}

// Get acquires a realm, blocking until one is free.
func (p *Pool) Get() (*Realm, error) {
	r, ok := <-p.realms
	if !ok {
		return nil, fmt.Errorf("pool is closed")
	}
	return r, nil
}

// Put cleans per-run state off the realm and returns it to the pool. A
// realm that fails cleanup is torn down and replaced. The send back into
// the channel happens under the mutex so it cannot race a concurrent
// Close; the channel always has a free slot for a checked-out realm, so
// the send never blocks.
func (p *Pool) Put(r *Realm) {
	if err := r.Eval(poolCleanupJS); err != nil {
		teardownRealm(r)
		p.offer(p.createReplacement())
		return
	}
	p.offer(r)
}

// offer returns a realm to the channel, or tears it down when the pool
// has closed. A nil realm means a lost slot and is dropped.
func (p *Pool) offer(r *Realm) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		teardownRealm(r)
		return
	}
	p.realms <- r
	p.mu.Unlock()
}

func (p *Pool) createReplacement() *Realm {
	replacement, err := Create(p.host, p.opts)
	if err != nil {
		// Slot is lost; the pool shrinks by one.
		return nil
	}
	return replacement
}

// Close tears down all pooled realms. Realms currently checked out are
// torn down when returned via Put.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.realms)
	p.mu.Unlock()

	for r := range p.realms {
		teardownRealm(r)
	}
}

func teardownRealm(r *Realm) {
	r.Release()
	r.Collect()
	r.Close()
}
