package callsupervisor

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/voicecore/callcore/internal/callsession"
	"github.com/voicecore/callcore/internal/eventbus"
)

// registry is a sharded map keyed by call_id. Access is rare — admin
// lookups and end-of-call cleanup, never the per-frame path — so sixteen
// RWMutex shards keep contention negligible without a lock-free structure.
type registry struct {
	shards [registryShards]shard
}

const registryShards = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]*callEntry
}

// callEntry is everything the Supervisor needs to look up or end an active
// call without holding a direct reference of its own.
type callEntry struct {
	session *callsession.Session
	bus     *eventbus.Bus
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*callEntry)
	}
	return r
}

func (r *registry) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *registry) get(callID string) (*callEntry, bool) {
	s := r.shardFor(callID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[callID]
	return e, ok
}

func (r *registry) put(callID string, e *callEntry) {
	s := r.shardFor(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[callID] = e
}

func (r *registry) remove(callID string) {
	s := r.shardFor(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, callID)
}

func (r *registry) len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].entries)
		r.shards[i].mu.RUnlock()
	}
	return n
}

// snapshot returns every active call_id and its done channel, for use by
// Shutdown, which needs to wait on all of them without holding any shard
// lock while it does so.
func (r *registry) snapshot() ([]string, []chan struct{}) {
	var ids []string
	var dones []chan struct{}
	for i := range r.shards {
		r.shards[i].mu.RLock()
		for id, e := range r.shards[i].entries {
			ids = append(ids, id)
			dones = append(dones, e.done)
		}
		r.shards[i].mu.RUnlock()
	}
	return ids, dones
}
