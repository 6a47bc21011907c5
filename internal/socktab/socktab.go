// Package socktab implements the per-namespace port→socket table (spec.md
// §4.D): a write-locked bucket table for inserts/removals, lock-free-ish
// reads guarded only by the bucket's own mutex, and default-port
// allocation via a rolling counter starting at MIN_DEFAULT_PORT.
package socktab

import (
	"hash/maphash"
	"sync"

	"homa/internal/homaerr"
)

// NumBuckets is the bucket count for the (namespace, port) table, mirroring
// the sharding used in internal/rpc for the same concurrency reasons.
const NumBuckets = 64

var hashSeed = maphash.MakeSeed()

func hashKey(ns string, port uint16) int {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteString(ns)
	var b [2]byte
	b[0] = byte(port)
	b[1] = byte(port >> 8)
	h.Write(b[:])
	return int(h.Sum64() % NumBuckets)
}

// Socket is the minimal surface socktab needs from a bound Homa socket: a
// stable namespace/port identity and a way to tear it down during a
// shutdown cascade. The homa package's Socket type satisfies this.
type Socket interface {
	Namespace() string
	Port() uint16
	Shutdown()
}

type bucket struct {
	mu    sync.Mutex
	items map[uint16]Socket
}

// Table is a process-wide socket table sharded across NumBuckets buckets.
// Inserts and removes take the bucket's write lock (spec.md §4.D "Sockets
// are inserted via a per-table write lock"); this port keeps that lock
// per-bucket rather than table-wide, since buckets are already the unit of
// sharding and a single global write lock would serialize unrelated binds.
type Table struct {
	buckets [NumBuckets]bucket

	// defaultPortMu serializes the rolling default-port scan; it is
	// separate from the bucket locks because the scan touches multiple
	// buckets while searching for a free port.
	defaultPortMu sync.Mutex
	nextDefault   map[string]uint16
	minDefault    uint16
}

// New creates an empty table. minDefaultPort is the first port eligible
// for auto-allocation (spec.md §4 MIN_DEFAULT_PORT); bind-requested ports
// below it are the application-chosen range.
func New(minDefaultPort uint16) *Table {
	t := &Table{
		nextDefault: make(map[string]uint16),
		minDefault:  minDefaultPort,
	}
	for i := range t.buckets {
		t.buckets[i].items = make(map[uint16]Socket)
	}
	return t
}

func (t *Table) bucketFor(ns string, port uint16) *bucket {
	return &t.buckets[hashKey(ns, port)]
}

// Lookup finds the socket bound to (ns, port), if any.
func (t *Table) Lookup(ns string, port uint16) (Socket, bool) {
	b := t.bucketFor(ns, port)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.items[port]
	return s, ok
}

// Bind inserts s at (ns, port), failing with ErrAddrInUse if the port is
// already taken (spec.md edge case 5: "Socket A binds port 100; socket B
// binds port 100 → EADDRINUSE. B's existing default port remains valid").
func (t *Table) Bind(ns string, port uint16, s Socket) error {
	b := t.bucketFor(ns, port)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.items[port]; exists {
		return homaerr.ErrAddrInUse
	}
	b.items[port] = s
	return nil
}

// Unbind removes whatever socket occupies (ns, port), if it is s. Used
// both for ordinary close and for the shutdown cascade.
func (t *Table) Unbind(ns string, port uint16, s Socket) {
	b := t.bucketFor(ns, port)
	b.mu.Lock()
	if cur, ok := b.items[port]; ok && cur == s {
		delete(b.items, port)
	}
	b.mu.Unlock()
}

// AllocDefault reserves an unused port ≥ minDefaultPort in ns via a
// rolling counter, inserting s there (spec.md §4.D "Default-port
// allocation walks a per-namespace rolling counter starting at
// MIN_DEFAULT_PORT, skipping in-use ports; fails with EADDRNOTAVAIL after
// a full sweep").
func (t *Table) AllocDefault(ns string, s Socket) (uint16, error) {
	t.defaultPortMu.Lock()
	defer t.defaultPortMu.Unlock()

	start, ok := t.nextDefault[ns]
	if !ok || start < t.minDefault {
		start = t.minDefault
	}

	// Port space above minDefault, wrapping at 65535 back to minDefault.
	// uint16 wraps naturally at 65536 -> 0, so clamp wrap-around to
	// minDefault explicitly.
	candidate := start
	for swept := 0; swept < 65536; swept++ {
		if candidate < t.minDefault {
			candidate = t.minDefault
		}
		b := t.bucketFor(ns, candidate)
		b.mu.Lock()
		_, taken := b.items[candidate]
		if !taken {
			b.items[candidate] = s
		}
		b.mu.Unlock()
		if !taken {
			next := candidate + 1
			if next < t.minDefault {
				next = t.minDefault
			}
			t.nextDefault[ns] = next
			return candidate, nil
		}
		if candidate == 65535 {
			candidate = t.minDefault
		} else {
			candidate++
		}
	}
	return 0, homaerr.ErrAddrNotAvailable
}

// Each calls fn for every socket currently bound in ns, used by the
// namespace teardown cascade (spec.md §4.D "shutdown cascade"). fn is
// called without any bucket lock held.
func (t *Table) Each(ns string, fn func(Socket)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		snap := make([]Socket, 0, len(b.items))
		for _, s := range b.items {
			if s.Namespace() == ns {
				snap = append(snap, s)
			}
		}
		b.mu.Unlock()
		for _, s := range snap {
			fn(s)
		}
	}
}

// ShutdownNamespace calls Shutdown on every socket bound in ns and unbinds
// it, implementing the namespace-teardown cascade.
func (t *Table) ShutdownNamespace(ns string) {
	t.Each(ns, func(s Socket) {
		s.Shutdown()
		t.Unbind(ns, s.Port(), s)
	})
}
