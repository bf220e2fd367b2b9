package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/domain"
)

// ChangeEvent describes a snapshot replacement for the audit log.
type ChangeEvent struct {
	OldVersion  string    `json:"old_version"`
	NewVersion  string    `json:"new_version"`
	OldChecksum string    `json:"old_checksum"`
	NewChecksum string    `json:"new_checksum"`
	Diff        string    `json:"diff"`
	ChangedAt   time.Time `json:"changed_at"`
}

// ChangeRecorder receives policy_change events. The audit logger
// implements it; a nil recorder disables change records.
type ChangeRecorder interface {
	PolicyChange(change ChangeEvent)
}

// Subscriber receives each newly published snapshot. Callbacks run
// serially on the loading goroutine, outside the store's lock, and get
// the snapshot directly so they never need to call back into the store.
type Subscriber func(snapshot *Snapshot)

// Store holds the current policy snapshot. Multi-reader single-writer:
// Snapshot() takes a read lock on the pointer only; loading swaps the
// pointer under the write lock and notifies subscribers afterwards.
type Store struct {
	mu          sync.RWMutex
	current     *Snapshot
	subscribers []Subscriber

	watchOnce sync.Once
	watchStop chan struct{}
	watchWG   sync.WaitGroup

	recorder ChangeRecorder
	log      zerolog.Logger
}

// NewStore creates an empty policy store. Snapshot() returns ErrNotLoaded
// until the first successful load.
func NewStore(recorder ChangeRecorder, log zerolog.Logger) *Store {
	return &Store{
		recorder: recorder,
		log:      log.With().Str("service", "policy_store").Logger(),
	}
}

// LoadFromSource reads and publishes a policy document from a file.
// On any failure the current snapshot is retained.
func (s *Store) LoadFromSource(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", domain.ErrPolicySource, path, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}
	return s.Update(doc)
}

// Update canonicalizes, checksums and publishes an in-memory document.
func (s *Store) Update(doc *Document) error {
	snapshot, err := BuildSnapshot(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.current
	s.current = snapshot
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	if prev != nil && s.recorder != nil {
		s.recorder.PolicyChange(ChangeEvent{
			OldVersion:  prev.Version,
			NewVersion:  snapshot.Version,
			OldChecksum: prev.Checksum,
			NewChecksum: snapshot.Checksum,
			Diff:        Diff(string(prev.canonical), string(snapshot.canonical)),
			ChangedAt:   snapshot.LoadedAt,
		})
	}

	// Notify serially, outside the lock. A panicking subscriber must not
	// take down the loader or the other subscribers.
	for _, sub := range subs {
		s.notify(sub, snapshot)
	}

	s.log.Info().
		Str("version", snapshot.Version).
		Str("checksum", snapshot.Checksum[:12]).
		Int("rules", len(snapshot.Rules)).
		Msg("Policy snapshot published")

	return nil
}

func (s *Store) notify(sub Subscriber, snapshot *Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Msg("Policy subscriber panicked")
		}
	}()
	sub(snapshot)
}

// Snapshot returns the current snapshot, or ErrNotLoaded before the
// first successful load.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, domain.ErrNotLoaded
	}
	return s.current, nil
}

// Subscribe registers a callback for future snapshots.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// StartWatcher polls the source file and reloads on checksum change.
// Idempotent: calls after the first are no-ops. Load errors are logged
// and the previous snapshot keeps serving.
func (s *Store) StartWatcher(path string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.watchOnce.Do(func() {
		stop := make(chan struct{})
		s.mu.Lock()
		s.watchStop = stop
		s.mu.Unlock()
		s.watchWG.Add(1)
		go s.watch(path, interval, stop)
		s.log.Info().Str("path", path).Dur("interval", interval).Msg("Policy watcher started")
	})
}

// StopWatcher stops the polling goroutine, if running.
func (s *Store) StopWatcher() {
	s.mu.Lock()
	stop := s.watchStop
	s.watchStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.watchWG.Wait()
	}
}

func (s *Store) watch(path string, interval time.Duration, stop <-chan struct{}) {
	defer s.watchWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce(path)
		}
	}
}

func (s *Store) pollOnce(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Policy source unreadable; keeping current snapshot")
		return
	}
	doc, err := ParseDocument(data)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Policy source malformed; keeping current snapshot")
		return
	}
	checksum, err := doc.Checksum()
	if err != nil {
		s.log.Warn().Err(err).Msg("Policy checksum failed; keeping current snapshot")
		return
	}

	s.mu.RLock()
	currentChecksum := ""
	if s.current != nil {
		currentChecksum = s.current.Checksum
	}
	s.mu.RUnlock()

	if checksum == currentChecksum {
		return
	}

	if err := s.Update(doc); err != nil {
		s.log.Warn().Err(err).Msg("Policy reload failed; keeping current snapshot")
	}
}

func cloneRules(rules map[string]Rule) map[string]Rule {
	out := make(map[string]Rule, len(rules))
	for id, r := range rules {
		r.RuleID = id
		out[id] = r
	}
	return out
}
