package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hekate-io/hekate/internal/transport"
)

// peerPool is the bounded set of connections this gateway keeps open
// to one remote peer — spec §4.G's "sockets: the maximum number of
// connections per remote peer for affinity hashing".
type peerPool struct {
	mu      sync.Mutex
	clients []*transport.Client
	next    atomic.Uint64
}

func (p *peerPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		_ = c.Disconnect()
	}
	p.clients = nil
}

// ConnPool caches per-peer socket pools behind an LRU keyed by peer
// address (spec's AMBIENT STACK: hashicorp/golang-lru/v2 bounds the
// gateway's connection cache the same way it bounds the seed
// manager's liveness cache).
type ConnPool struct {
	transport *transport.Transport
	protocol  string
	sockets   int
	cache     *lru.Cache[string, *peerPool]
}

// NewConnPool creates a pool dialing protocol on transport, keeping up
// to sockets live connections per peer and evicting least-recently-used
// peers once cacheSize distinct peers are tracked.
func NewConnPool(tr *transport.Transport, protocol string, sockets, cacheSize int) (*ConnPool, error) {
	if sockets < 1 {
		sockets = 1
	}
	cache, err := lru.NewWithEvict[string, *peerPool](cacheSize, func(_ string, p *peerPool) {
		p.closeAll()
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: new conn pool: %w", err)
	}
	return &ConnPool{transport: tr, protocol: protocol, sockets: sockets, cache: cache}, nil
}

// Get returns one connection to addr, stably selected by affinityHash
// when hasAffinity is true (spec §4.G: "its 32-bit hash selects one of
// sockets pooled connections to that peer, stable for the key"), or
// picked round-robin otherwise. It dials lazily, growing the pool to
// cp.sockets connections before reusing any of them.
func (cp *ConnPool) Get(addr string, hasAffinity bool, affinityHash uint32) (*transport.Client, error) {
	pp, ok := cp.cache.Get(addr)
	if !ok {
		pp = &peerPool{}
		cp.cache.Add(addr, pp)
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	pp.clients = pruneDead(pp.clients)
	if len(pp.clients) < cp.sockets {
		c, err := cp.transport.Connect(addr, cp.protocol, nil)
		if err != nil {
			return nil, err
		}
		pp.clients = append(pp.clients, c)
	}

	var idx int
	if hasAffinity {
		idx = int(affinityHash) % len(pp.clients)
	} else {
		idx = int((pp.next.Add(1) - 1) % uint64(len(pp.clients)))
	}
	return pp.clients[idx], nil
}

func pruneDead(clients []*transport.Client) []*transport.Client {
	out := clients[:0]
	for _, c := range clients {
		if c.State() != transport.StateDisconnected {
			out = append(out, c)
		}
	}
	return out
}

// Close tears down every tracked peer's connections.
func (cp *ConnPool) Close() {
	for _, addr := range cp.cache.Keys() {
		if pp, ok := cp.cache.Peek(addr); ok {
			pp.closeAll()
		}
	}
	cp.cache.Purge()
}
