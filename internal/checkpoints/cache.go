// Package checkpoints keeps a memory-bounded set of materialized states for fast seeking.
package checkpoints

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// DefaultMemoryBudgetBytes bounds the cache when no budget is configured.
	DefaultMemoryBudgetBytes int64 = 64 << 20
	noSlot                         = -1
)

// Sizer estimates the resident size of a state in bytes.
type Sizer[S any] func(state S) int64

// JSONSizer estimates size as the length of the state's JSON encoding.
func JSONSizer[S any](state S) int64 {
	encoded, err := json.Marshal(state)
	if err != nil {
		return 0
	}
	return int64(len(encoded))
}

// Checkpoint is a cached state after events 0..=Sequence.
type Checkpoint[S any] struct {
	Sequence   uint64
	State      S
	SizeBytes  int64
	LastAccess time.Time
}

// CacheConfig configures a Cache.
type CacheConfig[S any] struct {
	MemoryBudgetBytes int64
	Sizer             Sizer[S]
	Clock             func() time.Time
	Logger            *zap.Logger
	Sink              telemetry.Sink
}

type slot[S any] struct {
	checkpoint Checkpoint[S]
	newer      int
	older      int
}

// Cache is an arena of checkpoints threaded on an intrusive LRU list.
// All operations are serialized by a single mutex.
type Cache[S any] struct {
	mu        sync.Mutex
	budget    int64
	sizer     Sizer[S]
	clock     func() time.Time
	logger    *zap.Logger
	sink      telemetry.Sink
	slots     []slot[S]
	free      []int
	bySeq     map[uint64]int
	sequences []uint64
	newest    int
	oldest    int
	usedBytes int64
}

// NewCache returns an empty Cache.
func NewCache[S any](cfg CacheConfig[S]) *Cache[S] {
	budget := cfg.MemoryBudgetBytes
	if budget <= 0 {
		budget = DefaultMemoryBudgetBytes
	}
	sizer := cfg.Sizer
	if sizer == nil {
		sizer = JSONSizer[S]
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[S]{
		budget: budget,
		sizer:  sizer,
		clock:  clock,
		logger: logger,
		sink:   telemetry.OrNop(cfg.Sink),
		bySeq:  make(map[uint64]int),
		newest: noSlot,
		oldest: noSlot,
	}
}

// Insert stores state as the checkpoint at sequence, replacing any existing one, then evicts
// least-recently-used checkpoints until usage fits the budget. It returns the number evicted.
func (cache *Cache[S]) Insert(sequence uint64, state S) int {
	size := cache.sizer(state)
	if size < 0 {
		size = 0
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	now := cache.clock()
	if index, ok := cache.bySeq[sequence]; ok {
		previous := cache.slots[index].checkpoint.SizeBytes
		cache.slots[index].checkpoint = Checkpoint[S]{Sequence: sequence, State: state, SizeBytes: size, LastAccess: now}
		cache.adjustBytes(size - previous)
		cache.moveToFront(index)
		return cache.evictOverBudget()
	}

	index := cache.allocate()
	cache.slots[index] = slot[S]{
		checkpoint: Checkpoint[S]{Sequence: sequence, State: state, SizeBytes: size, LastAccess: now},
		newer:      noSlot,
		older:      noSlot,
	}
	cache.bySeq[sequence] = index
	position := sort.Search(len(cache.sequences), func(i int) bool { return cache.sequences[i] >= sequence })
	cache.sequences = append(cache.sequences, 0)
	copy(cache.sequences[position+1:], cache.sequences[position:])
	cache.sequences[position] = sequence
	cache.pushFront(index)
	cache.adjustBytes(size)
	return cache.evictOverBudget()
}

// FindNearest returns the checkpoint with the greatest sequence <= target and marks it recently used.
func (cache *Cache[S]) FindNearest(target uint64) (Checkpoint[S], bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	position := sort.Search(len(cache.sequences), func(i int) bool { return cache.sequences[i] > target })
	if position == 0 {
		return Checkpoint[S]{}, false
	}
	index := cache.bySeq[cache.sequences[position-1]]
	cache.slots[index].checkpoint.LastAccess = cache.clock()
	cache.moveToFront(index)
	return cache.slots[index].checkpoint, true
}

// Contains reports whether a checkpoint exists at sequence without touching it.
func (cache *Cache[S]) Contains(sequence uint64) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	_, ok := cache.bySeq[sequence]
	return ok
}

// RecencyOrder lists cached sequences from most to least recently used.
func (cache *Cache[S]) RecencyOrder() []uint64 {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	order := make([]uint64, 0, len(cache.bySeq))
	for index := cache.newest; index != noSlot; index = cache.slots[index].older {
		order = append(order, cache.slots[index].checkpoint.Sequence)
	}
	return order
}

// Sequences lists cached sequences in ascending order.
func (cache *Cache[S]) Sequences() []uint64 {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return append([]uint64(nil), cache.sequences...)
}

// Len returns the number of cached checkpoints.
func (cache *Cache[S]) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.bySeq)
}

// UsedBytes returns the summed size estimate of cached checkpoints.
func (cache *Cache[S]) UsedBytes() int64 {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.usedBytes
}

// Budget returns the configured memory budget.
func (cache *Cache[S]) Budget() int64 {
	return cache.budget
}

// Clear drops every checkpoint.
func (cache *Cache[S]) Clear() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.adjustBytes(-cache.usedBytes)
	cache.slots = nil
	cache.free = nil
	cache.bySeq = make(map[uint64]int)
	cache.sequences = nil
	cache.newest = noSlot
	cache.oldest = noSlot
}

func (cache *Cache[S]) evictOverBudget() int {
	evicted := 0
	for cache.usedBytes > cache.budget && cache.oldest != noSlot {
		victim := cache.oldest
		cache.logger.Debug("evicting checkpoint",
			zap.Uint64("sequence", cache.slots[victim].checkpoint.Sequence),
			zap.Int64("used_bytes", cache.usedBytes),
			zap.Int64("budget_bytes", cache.budget))
		cache.remove(victim)
		evicted++
	}
	if evicted > 0 {
		cache.sink.ObserveCheckpointEvictions(evicted)
	}
	return evicted
}

func (cache *Cache[S]) remove(index int) {
	sequence := cache.slots[index].checkpoint.Sequence
	cache.unlink(index)
	cache.adjustBytes(-cache.slots[index].checkpoint.SizeBytes)
	cache.slots[index] = slot[S]{newer: noSlot, older: noSlot}
	cache.free = append(cache.free, index)
	delete(cache.bySeq, sequence)
	position := sort.Search(len(cache.sequences), func(i int) bool { return cache.sequences[i] >= sequence })
	cache.sequences = append(cache.sequences[:position], cache.sequences[position+1:]...)
}

func (cache *Cache[S]) allocate() int {
	if count := len(cache.free); count > 0 {
		index := cache.free[count-1]
		cache.free = cache.free[:count-1]
		return index
	}
	cache.slots = append(cache.slots, slot[S]{newer: noSlot, older: noSlot})
	return len(cache.slots) - 1
}

func (cache *Cache[S]) pushFront(index int) {
	cache.slots[index].newer = noSlot
	cache.slots[index].older = cache.newest
	if cache.newest != noSlot {
		cache.slots[cache.newest].newer = index
	}
	cache.newest = index
	if cache.oldest == noSlot {
		cache.oldest = index
	}
}

func (cache *Cache[S]) unlink(index int) {
	newer := cache.slots[index].newer
	older := cache.slots[index].older
	if newer != noSlot {
		cache.slots[newer].older = older
	} else {
		cache.newest = older
	}
	if older != noSlot {
		cache.slots[older].newer = newer
	} else {
		cache.oldest = newer
	}
	cache.slots[index].newer = noSlot
	cache.slots[index].older = noSlot
}

func (cache *Cache[S]) moveToFront(index int) {
	if cache.newest == index {
		return
	}
	cache.unlink(index)
	cache.pushFront(index)
}

func (cache *Cache[S]) adjustBytes(delta int64) {
	if delta == 0 {
		return
	}
	cache.usedBytes += delta
	cache.sink.AddCheckpointCacheBytes(delta)
}
