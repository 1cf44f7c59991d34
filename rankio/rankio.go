// Package rankio is the collective-communication abstraction
// Distributor builds on: all-to-all exchange of per-rank counts,
// point-to-point payload exchange (one call per exchange; a payload
// above MaxExchangeBytes is rejected, not split into batches), an
// all-reduce, and a left-to-right prefix
// chain used to stitch per-rank-local offsets into fileset-global
// offsets (spec section 4.2, section 5's "user-supplied context").
//
// No repo in the example pack embeds an MPI binding, so Context and
// Group are built fresh on a mutex/condition-variable barrier: each
// collective call blocks until every rank has arrived, then releases
// all of them together. Callers that spawn one goroutine per simulated
// rank (as the tests here do) are free to synchronize that fan-out
// with golang.org/x/sync/errgroup the way distributor.Distribute does
// for its independent per-shard file opens.
package rankio

import (
	"sync"

	"github.com/phil-mansfield/go-artio/errcode"
)

// MaxExchangeBytes bounds a single destination's payload in one
// ExchangeBytes call. A larger payload makes the call fail with
// InvalidBufferSize; ExchangeBytes does not split it into batches.
const MaxExchangeBytes = 1 << 20

// Context is the per-rank handle Distributor drives. Every method is a
// synchronous collective: it does not return on any one rank until
// every rank in the Group has made the matching call.
type Context interface {
	Rank() int
	NumProcs() int

	// AllToAllInt64 exchanges one int64 per destination rank. send must
	// have length NumProcs(); the returned slice's entry r is what rank
	// r sent to this rank.
	AllToAllInt64(send []int64) ([]int64, error)

	// ExchangeBytes exchanges arbitrary payloads keyed by destination
	// rank. The returned map is keyed by source rank.
	ExchangeBytes(send map[int][]byte) (map[int][]byte, error)

	// PrefixSum returns this rank's exclusive prefix sum (the sum of
	// local across all lower-numbered ranks) and the sum across every
	// rank.
	PrefixSum(local int64) (offset int64, total int64, err error)

	// Chain runs step once on every rank, in strict rank order: rank 0
	// receives seed as its incoming state; rank r>0 receives whatever
	// rank r-1's step returned. Every rank must call Chain with the
	// same seed type. This models the left-to-right serial dependency
	// spec section 4.2 step 6 and section 5 describe ("rank r sends to
	// r+1 only after receiving from r-1").
	Chain(seed any, step func(incoming any) (outgoing any, err error)) (any, error)

	// AllReduce combines local across every rank with combine (which
	// must be associative and commutative, e.g. summing sizes or
	// taking the running max level) and returns the combined value to
	// every rank.
	AllReduce(local int64, combine func(a, b int64) int64) (int64, error)
}

// Group coordinates NumProcs simulated ranks inside a single process.
// Each rank is expected to run on its own goroutine (the caller is
// responsible for that, typically via errgroup) and to call the
// collective methods in the same order on every rank, exactly as a
// real MPI program must.
type Group struct {
	numProcs int

	mu   sync.Mutex
	cond *sync.Cond

	phase   int
	arrived int
	inputs  []any
	outputs []any
}

// NewGroup returns a Group of numProcs simulated ranks. numProcs < 1 is
// clamped to 1.
func NewGroup(numProcs int) *Group {
	if numProcs < 1 {
		numProcs = 1
	}
	g := &Group{numProcs: numProcs}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Single returns a one-rank Context, the local-identity degenerate
// case spec section 5 calls out: every collective is a no-op pass
// through of the caller's own input.
func Single() Context { return NewGroup(1).Rank(0) }

// Rank returns the Context for rank r of g, 0 <= r < g.numProcs.
func (g *Group) Rank(r int) Context { return &rankContext{g: g, rank: r} }

// NumProcs is the size of the group.
func (g *Group) NumProcs() int { return g.numProcs }

type rankContext struct {
	g    *Group
	rank int
}

func (c *rankContext) Rank() int     { return c.rank }
func (c *rankContext) NumProcs() int { return c.g.numProcs }

// collective gathers one input per rank, runs compute exactly once
// (on whichever goroutine happens to be the last arrival) against the
// full rank-indexed input slice, and scatters compute's rank-indexed
// output slice back so each caller receives its own entry.
func (g *Group) collective(rank int, input any, compute func(inputs []any) []any) any {
	g.mu.Lock()
	if g.inputs == nil {
		g.inputs = make([]any, g.numProcs)
		g.outputs = make([]any, g.numProcs)
	}
	g.inputs[rank] = input
	g.arrived++
	if g.arrived == g.numProcs {
		out := compute(g.inputs)
		copy(g.outputs, out)
		g.arrived = 0
		g.inputs = nil
		g.phase++
		g.cond.Broadcast()
	} else {
		myPhase := g.phase
		for g.phase == myPhase {
			g.cond.Wait()
		}
	}
	result := g.outputs[rank]
	g.mu.Unlock()
	return result
}

func (c *rankContext) AllToAllInt64(send []int64) ([]int64, error) {
	n := c.g.numProcs
	if len(send) != n {
		return nil, errcode.New(errcode.InvalidState, "rankio.AllToAllInt64",
			"send length %d does not match num_procs %d", len(send), n)
	}
	out := c.g.collective(c.rank, send, func(inputs []any) []any {
		outs := make([]any, n)
		for r := 0; r < n; r++ {
			row := make([]int64, n)
			for s := 0; s < n; s++ {
				row[s] = inputs[s].([]int64)[r]
			}
			outs[r] = row
		}
		return outs
	})
	return out.([]int64), nil
}

func (c *rankContext) ExchangeBytes(send map[int][]byte) (map[int][]byte, error) {
	n := c.g.numProcs
	for dst, payload := range send {
		if dst < 0 || dst >= n {
			return nil, errcode.New(errcode.InvalidState, "rankio.ExchangeBytes", "destination rank %d out of range [0,%d)", dst, n)
		}
		if len(payload) > MaxExchangeBytes {
			return nil, errcode.New(errcode.InvalidBufferSize, "rankio.ExchangeBytes",
				"payload to rank %d is %d bytes, exceeds MaxExchangeBytes %d", dst, len(payload), MaxExchangeBytes)
		}
	}
	out := c.g.collective(c.rank, send, func(inputs []any) []any {
		outs := make([]any, n)
		for r := 0; r < n; r++ {
			recv := make(map[int][]byte)
			for s := 0; s < n; s++ {
				sendMap := inputs[s].(map[int][]byte)
				if payload, ok := sendMap[r]; ok {
					recv[s] = payload
				}
			}
			outs[r] = recv
		}
		return outs
	})
	return out.(map[int][]byte), nil
}

func (c *rankContext) Chain(seed any, step func(any) (any, error)) (any, error) {
	n := c.g.numProcs
	chans := c.g.collective(c.rank, nil, func(_ []any) []any {
		chs := make([]chan any, n+1)
		for i := range chs {
			chs[i] = make(chan any, 1)
		}
		chs[0] <- seed
		outs := make([]any, n)
		for r := range outs {
			outs[r] = chs
		}
		return outs
	}).([]chan any)

	incoming := <-chans[c.rank]
	outgoing, err := step(incoming)
	if err != nil {
		// Forward the unmodified incoming state so downstream ranks
		// still unblock; the error is reported to this rank's caller
		// only.
		chans[c.rank+1] <- incoming
		return nil, err
	}
	chans[c.rank+1] <- outgoing
	return outgoing, nil
}

func (c *rankContext) AllReduce(local int64, combine func(a, b int64) int64) (int64, error) {
	n := c.g.numProcs
	out := c.g.collective(c.rank, local, func(inputs []any) []any {
		acc := inputs[0].(int64)
		for r := 1; r < n; r++ {
			acc = combine(acc, inputs[r].(int64))
		}
		outs := make([]any, n)
		for r := 0; r < n; r++ {
			outs[r] = acc
		}
		return outs
	})
	return out.(int64), nil
}

func (c *rankContext) PrefixSum(local int64) (offset int64, total int64, err error) {
	n := c.g.numProcs
	out := c.g.collective(c.rank, local, func(inputs []any) []any {
		outs := make([]any, n)
		var running int64
		for r := 0; r < n; r++ {
			outs[r] = [2]int64{running, 0}
			running += inputs[r].(int64)
		}
		for r := 0; r < n; r++ {
			pair := outs[r].([2]int64)
			outs[r] = [2]int64{pair[0], running}
		}
		return outs
	})
	pair := out.([2]int64)
	return pair[0], pair[1], nil
}
