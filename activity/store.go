// Package activity is the cross-instance thread activity layer: which
// threads are busy, which client instance owns each busy thread, and when
// each thread was last seen. State lives in a local cache, persists through
// a fail-soft key/value backend, and replicates to other instances through a
// pluggable Transport. Coordination is cooperative last-write-wins, not a
// distributed lock; the backend's own conflict rejection is the backstop.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/tether/schema"
)

// Storage keys. Kept stable so state survives upgrades.
const (
	keyBusy             = "lg:thread:busy"
	keyBusyOwner        = "lg:thread:busy:owner"
	keyLastSeen         = "lg:thread:lastSeenUpdatedAt"
	keyLastSeenBaseline = "lg:thread:lastSeenBaselineAt"
	keyTabID            = "lg:thread:tabId"
	runHintPrefix       = "lg:stream:"
)

// Backend is the persisted storage the store reads and writes. All access is
// fail-soft: errors degrade to empty values, never propagate to callers.
type Backend interface {
	Load(key string, out any) (bool, error)
	Save(key string, value any) error
	Delete(key string) error
}

// BusyState is the busy/owner map pair. Always published together.
type BusyState struct {
	Busy   schema.ThreadBusyMap
	Owners schema.ThreadBusyOwnerMap
}

// Store is the thread activity store for one client instance.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	transport Transport
	log       pslog.Logger
	now       func() time.Time

	tabID    schema.TabID
	busy     schema.ThreadBusyMap
	owners   schema.ThreadBusyOwnerMap
	seen     schema.ThreadLastSeenMap
	baseline int64

	busySubs    map[int]func(BusyState)
	seenSubs    map[int]func(schema.ThreadLastSeenMap)
	nextSub     int
	unsubscribe func()
}

// NewStore constructs a store. backend may be nil (in-memory only);
// transport may be nil (no replication); logger may be nil.
func NewStore(backend Backend, transport Transport, logger pslog.Logger) *Store {
	s := &Store{
		backend:   backend,
		transport: transport,
		log:       logger,
		now:       time.Now,
		busy:      schema.ThreadBusyMap{},
		owners:    schema.ThreadBusyOwnerMap{},
		seen:      schema.ThreadLastSeenMap{},
		busySubs:  make(map[int]func(BusyState)),
		seenSubs:  make(map[int]func(schema.ThreadLastSeenMap)),
	}
	s.loadAll()
	s.tabID = s.loadOrCreateTabID()
	if transport != nil {
		s.unsubscribe = transport.Subscribe(s.handleEnvelope)
	}
	return s
}

// Close detaches the store from its transport.
func (s *Store) Close() {
	s.mu.Lock()
	cancel := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TabID returns this instance's stable identifier.
func (s *Store) TabID() schema.TabID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabID
}

// BusyState returns a copy of the current busy/owner pair.
func (s *Store) BusyState() BusyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BusyState{Busy: s.busy.Clone(), Owners: s.owners.Clone()}
}

// LastSeen returns a copy of the last-seen map.
func (s *Store) LastSeen() schema.ThreadLastSeenMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Clone()
}

// EnsureLastSeenBaseline records a process-start timestamp once and returns
// it. Threads never seen before the UI existed compare against this instead
// of zero, so they are not flagged as new.
func (s *Store) EnsureLastSeenBaseline() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseline > 0 {
		return s.baseline
	}
	s.baseline = s.now().UnixMilli()
	s.save(keyLastSeenBaseline, s.baseline)
	return s.baseline
}

// LastSeenBaseline returns the recorded baseline, or 0 when unset.
func (s *Store) LastSeenBaseline() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// MarkThreadSeen raises the last-seen value for the thread monotonically and
// returns the stored value. A zero updatedAtMs means "now".
func (s *Store) MarkThreadSeen(threadID schema.ThreadID, updatedAtMs int64) int64 {
	if threadID == "" {
		return 0
	}
	s.mu.Lock()
	if updatedAtMs <= 0 {
		updatedAtMs = s.now().UnixMilli()
	}
	current := s.seen[threadID]
	if updatedAtMs <= current {
		s.mu.Unlock()
		return current
	}
	s.seen[threadID] = updatedAtMs
	snapshot := s.seen.Clone()
	s.save(keyLastSeen, snapshot)
	subs := s.seenSubscribers()
	s.mu.Unlock()

	s.notifySeen(subs, snapshot)
	s.publish(Envelope{Kind: EnvelopeLastSeen, Origin: s.tabID, Seen: snapshot})
	return updatedAtMs
}

// MarkThreadBusy sets or clears the busy flag and owner for a thread as one
// atomic pair. When busy is true and no owner is given and none is recorded,
// the current tab claims ownership. An update that changes nothing is a
// no-op: no persistence, no broadcast.
func (s *Store) MarkThreadBusy(threadID schema.ThreadID, busy bool, ownerTabID schema.TabID) schema.ThreadBusyMap {
	if threadID == "" {
		return s.BusyState().Busy
	}
	s.mu.Lock()
	nextBusy := s.busy.Clone()
	nextOwners := s.owners.Clone()
	if busy {
		nextBusy[threadID] = true
		switch {
		case ownerTabID != "":
			nextOwners[threadID] = ownerTabID
		case nextOwners[threadID] == "":
			nextOwners[threadID] = s.tabID
		}
	} else {
		delete(nextBusy, threadID)
		delete(nextOwners, threadID)
	}

	if busyMapsEqual(s.busy, nextBusy) && ownerMapsEqual(s.owners, nextOwners) {
		out := nextBusy
		s.mu.Unlock()
		return out
	}

	s.busy = nextBusy
	s.owners = nextOwners
	state := BusyState{Busy: nextBusy.Clone(), Owners: nextOwners.Clone()}
	s.save(keyBusy, state.Busy)
	s.save(keyBusyOwner, state.Owners)
	subs := s.busySubscribers()
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debug("thread busy updated", "thread", threadID, "busy", busy, "owner", state.Owners[threadID])
	}
	s.notifyBusy(subs, state)
	s.publish(Envelope{Kind: EnvelopeBusy, Origin: s.tabID, Busy: state.Busy, Owners: state.Owners})
	return state.Busy
}

// SubscribeBusy registers a callback for busy/owner changes, local or
// replicated. Returns an unsubscribe func.
func (s *Store) SubscribeBusy(fn func(BusyState)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.busySubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.busySubs, id)
		s.mu.Unlock()
	}
}

// SubscribeLastSeen registers a callback for last-seen changes.
func (s *Store) SubscribeLastSeen(fn func(schema.ThreadLastSeenMap)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.seenSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.seenSubs, id)
		s.mu.Unlock()
	}
}

// StoreRunHint records the run id this instance started or joined for the
// thread. Read back as the reconnect fast path.
func (s *Store) StoreRunHint(threadID schema.ThreadID, runID schema.RunID) {
	if threadID == "" || runID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.save(runHintPrefix+string(threadID), string(runID))
}

// RunHint returns a previously stored run id for the thread, if any.
func (s *Store) RunHint(threadID schema.ThreadID) (schema.RunID, bool) {
	if threadID == "" || s.backend == nil {
		return "", false
	}
	var raw string
	ok, err := s.backend.Load(runHintPrefix+string(threadID), &raw)
	if err != nil || !ok || raw == "" {
		return "", false
	}
	return schema.RunID(raw), true
}

// ClearRunHint forgets the stored run id for the thread.
func (s *Store) ClearRunHint(threadID schema.ThreadID) {
	if threadID == "" || s.backend == nil {
		return
	}
	_ = s.backend.Delete(runHintPrefix + string(threadID))
}

func (s *Store) handleEnvelope(envelope Envelope) {
	s.mu.Lock()
	if envelope.Origin == s.tabID {
		s.mu.Unlock()
		return
	}
	switch envelope.Kind {
	case EnvelopeBusy:
		s.busy = envelope.Busy.Clone()
		s.owners = envelope.Owners.Clone()
		state := BusyState{Busy: s.busy.Clone(), Owners: s.owners.Clone()}
		s.save(keyBusy, state.Busy)
		s.save(keyBusyOwner, state.Owners)
		subs := s.busySubscribers()
		s.mu.Unlock()
		s.notifyBusy(subs, state)
	case EnvelopeLastSeen:
		// Last-seen merges monotonically; replication must not lower values.
		changed := false
		for threadID, value := range envelope.Seen {
			if value > s.seen[threadID] {
				s.seen[threadID] = value
				changed = true
			}
		}
		if !changed {
			s.mu.Unlock()
			return
		}
		snapshot := s.seen.Clone()
		s.save(keyLastSeen, snapshot)
		subs := s.seenSubscribers()
		s.mu.Unlock()
		s.notifySeen(subs, snapshot)
	default:
		s.mu.Unlock()
	}
}

func (s *Store) loadAll() {
	if s.backend == nil {
		return
	}
	var busy schema.ThreadBusyMap
	if ok, err := s.backend.Load(keyBusy, &busy); err == nil && ok && busy != nil {
		s.busy = busy
	}
	var owners schema.ThreadBusyOwnerMap
	if ok, err := s.backend.Load(keyBusyOwner, &owners); err == nil && ok && owners != nil {
		s.owners = owners
	}
	var seen schema.ThreadLastSeenMap
	if ok, err := s.backend.Load(keyLastSeen, &seen); err == nil && ok && seen != nil {
		s.seen = seen
	}
	var baseline int64
	if ok, err := s.backend.Load(keyLastSeenBaseline, &baseline); err == nil && ok {
		s.baseline = baseline
	}
}

func (s *Store) loadOrCreateTabID() schema.TabID {
	if s.backend != nil {
		var raw string
		if ok, err := s.backend.Load(keyTabID, &raw); err == nil && ok && raw != "" {
			return schema.TabID(raw)
		}
	}
	tabID := schema.TabID(uuid.NewString())
	s.save(keyTabID, string(tabID))
	return tabID
}

func (s *Store) save(key string, value any) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Save(key, value); err != nil && s.log != nil {
		s.log.Warn("activity save failed", "key", key, "err", err)
	}
}

func (s *Store) publish(envelope Envelope) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Publish(envelope); err != nil && s.log != nil {
		s.log.Warn("activity publish failed", "kind", envelope.Kind, "err", err)
	}
}

func (s *Store) busySubscribers() []func(BusyState) {
	subs := make([]func(BusyState), 0, len(s.busySubs))
	for _, fn := range s.busySubs {
		subs = append(subs, fn)
	}
	return subs
}

func (s *Store) seenSubscribers() []func(schema.ThreadLastSeenMap) {
	subs := make([]func(schema.ThreadLastSeenMap), 0, len(s.seenSubs))
	for _, fn := range s.seenSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (s *Store) notifyBusy(subs []func(BusyState), state BusyState) {
	for _, fn := range subs {
		fn(BusyState{Busy: state.Busy.Clone(), Owners: state.Owners.Clone()})
	}
}

func (s *Store) notifySeen(subs []func(schema.ThreadLastSeenMap), snapshot schema.ThreadLastSeenMap) {
	for _, fn := range subs {
		fn(snapshot.Clone())
	}
}

func busyMapsEqual(a, b schema.ThreadBusyMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func ownerMapsEqual(a, b schema.ThreadBusyOwnerMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
