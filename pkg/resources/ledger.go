package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

// Lease is exclusive ownership of one GPU slot by one job
type Lease struct {
	GPU      int
	JobIndex int
	release  func()
	once     sync.Once
}

// Release returns the slot to the ledger. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// SlotLedger hands out exclusive leases on GPU slots. A job that wants a slot
// still held by an earlier job blocks until that lease is released.
type SlotLedger struct {
	mu      sync.Mutex
	slots   map[int]chan struct{}
	holders map[int]int // gpu -> job index
}

// NewSlotLedger creates a ledger over the given GPU indices
func NewSlotLedger(gpus []int) *SlotLedger {
	l := &SlotLedger{
		slots:   make(map[int]chan struct{}, len(gpus)),
		holders: make(map[int]int, len(gpus)),
	}
	for _, g := range gpus {
		l.slots[g] = make(chan struct{}, 1)
	}
	return l
}

// Acquire blocks until the GPU is free or ctx is done. Jobs without a GPU get
// a lease that holds nothing.
func (l *SlotLedger) Acquire(ctx context.Context, gpu, jobIndex int) (*Lease, error) {
	if gpu == models.NoGPU {
		return &Lease{GPU: models.NoGPU, JobIndex: jobIndex}, nil
	}

	l.mu.Lock()
	slot, ok := l.slots[gpu]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("gpu %d is not part of the resource plan", gpu)
	}

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	l.holders[gpu] = jobIndex
	l.mu.Unlock()

	return &Lease{
		GPU:      gpu,
		JobIndex: jobIndex,
		release: func() {
			l.mu.Lock()
			delete(l.holders, gpu)
			l.mu.Unlock()
			<-slot
		},
	}, nil
}

// Holders returns a snapshot of which job holds each leased GPU
func (l *SlotLedger) Holders() map[int]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]int, len(l.holders))
	for g, j := range l.holders {
		out[g] = j
	}
	return out
}

// GPUs lists the slots managed by the ledger
func (l *SlotLedger) GPUs() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]int, 0, len(l.slots))
	for g := range l.slots {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}
