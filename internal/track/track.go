// Package track aggregates per-file and per-channel completion for an
// entity's whole transfer and fires the materialize hand-off exactly
// once. All state lives in one mutex domain because completion
// callbacks race in from every channel.
package track

import (
	"log/slog"
	"sync"

	"github.com/bytebundle/bytebundle/pkg/manifest"
)

// MaterializeFn hands a fully received bundle to the embedding
// application. It runs outside the tracker lock. A failure is logged;
// the transfer state has already been released either way.
type MaterializeFn func(entityID string, files map[string][]byte, blobs manifest.MetadataBlobs) error

// EntityTransferState is the live bookkeeping for one entity's
// in-progress transfer.
type EntityTransferState struct {
	expectedFiles    map[string]struct{}
	completedFiles   map[string]struct{}
	channelPartition map[int][]string
	channelCompleted map[int]map[string]struct{}
	assembled        map[string][]byte
	blobs            manifest.MetadataBlobs
	applying         bool
}

func newState() *EntityTransferState {
	return &EntityTransferState{
		expectedFiles:    make(map[string]struct{}),
		completedFiles:   make(map[string]struct{}),
		channelPartition: make(map[int][]string),
		channelCompleted: make(map[int]map[string]struct{}),
		assembled:        make(map[string][]byte),
	}
}

func (s *EntityTransferState) inProgress() bool {
	return len(s.expectedFiles) > 0 && len(s.completedFiles) < len(s.expectedFiles)
}

// Tracker holds one EntityTransferState per entity.
type Tracker struct {
	log         *slog.Logger
	materialize MaterializeFn

	mu     sync.Mutex
	states map[string]*EntityTransferState
}

// New creates a tracker. logger may be nil.
func New(materialize MaterializeFn, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		log:         logger,
		materialize: materialize,
		states:      make(map[string]*EntityTransferState),
	}
}

// OnBroadcastReceived installs the expected file set and channel
// partition for an entity. A broadcast arriving while a transfer for
// the same entity is still in progress is a continuation: the existing
// expected set and progress are kept so a duplicate or retried
// broadcast cannot reset them. Completions that raced ahead of the
// broadcast are folded in; if they already cover the expected set, the
// hand-off fires here and true is returned.
func (t *Tracker) OnBroadcastReceived(entityID string, expectedFiles []string, channelPartition map[int][]string) bool {
	t.mu.Lock()

	prev, ok := t.states[entityID]
	if ok && prev.inProgress() {
		t.log.Info("broadcast continues in-progress transfer",
			"entity", entityID, "completed", len(prev.completedFiles), "expected", len(prev.expectedFiles))
		t.mu.Unlock()
		return false
	}

	st := newState()
	if ok {
		st.blobs = prev.blobs
		if len(prev.expectedFiles) == 0 && len(prev.completedFiles) > 0 {
			// Chunks on a fast channel beat the announcement here.
			st.completedFiles = prev.completedFiles
			st.channelCompleted = prev.channelCompleted
			st.assembled = prev.assembled
		}
	}
	for _, p := range expectedFiles {
		st.expectedFiles[p] = struct{}{}
	}
	for ch, paths := range channelPartition {
		st.channelPartition[ch] = append([]string(nil), paths...)
	}
	t.states[entityID] = st
	t.log.Info("transfer expectations set",
		"entity", entityID, "files", len(st.expectedFiles), "channels", len(st.channelPartition))

	return t.maybeHandOff(entityID, st)
}

// maybeHandOff fires the materialize callback when st is complete.
// Called with the lock held; always releases it.
func (t *Tracker) maybeHandOff(entityID string, st *EntityTransferState) bool {
	if !t.isCompleteLocked(st) || st.applying {
		t.mu.Unlock()
		return false
	}
	st.applying = true
	files := st.assembled
	blobs := st.blobs
	delete(t.states, entityID)
	t.mu.Unlock()

	t.log.Info("transfer complete", "entity", entityID, "files", len(files))
	if t.materialize != nil {
		if err := t.materialize(entityID, files, blobs); err != nil {
			t.log.Warn("materialize failed", "entity", entityID, "err", err)
		}
	}
	return true
}

// SetMetadataBlobs records the metadata accompanying the bundle. Blobs
// ride the control stream, not the chunk channels, so they are staged
// here until materialization.
func (t *Tracker) SetMetadataBlobs(entityID string, blobs manifest.MetadataBlobs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok {
		st = newState()
		t.states[entityID] = st
	}
	st.blobs = blobs
}

// OnFileComplete records a finished file. An out-of-range channel
// index is clamped to channel zero with a warning rather than losing
// the completion, since a file delivered on an unexpected channel still
// counts. A completion arriving before the broadcast is retained and
// folded in once expectations are known. Returns true when this
// completion finished the transfer.
func (t *Tracker) OnFileComplete(entityID string, channelIndex int, path string, content []byte) bool {
	t.mu.Lock()
	st, ok := t.states[entityID]
	if !ok {
		t.log.Info("completion before expectations", "entity", entityID, "file", path)
		st = newState()
		t.states[entityID] = st
	}

	if channelIndex < 0 || (len(st.channelPartition) > 0 && channelIndex >= len(st.channelPartition)) {
		t.log.Warn("completion on unexpected channel, clamping",
			"entity", entityID, "file", path, "channel", channelIndex)
		channelIndex = 0
	}

	st.completedFiles[path] = struct{}{}
	st.assembled[path] = content
	if st.channelCompleted[channelIndex] == nil {
		st.channelCompleted[channelIndex] = make(map[string]struct{})
	}
	st.channelCompleted[channelIndex][path] = struct{}{}

	// Guarded hand-off: run the callback unlocked, then all state is
	// cleared regardless of the callback's outcome.
	return t.maybeHandOff(entityID, st)
}

// IsComplete reports whether every expected file has been received.
// The aggregate set rule is authoritative; per-channel bookkeeping is
// only consulted when the aggregate set is empty.
func (t *Tracker) IsComplete(entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok {
		return false
	}
	return t.isCompleteLocked(st)
}

func (t *Tracker) isCompleteLocked(st *EntityTransferState) bool {
	if len(st.expectedFiles) == 0 {
		return false
	}
	if len(st.completedFiles) > 0 {
		for p := range st.expectedFiles {
			if _, ok := st.completedFiles[p]; !ok {
				return false
			}
		}
		return true
	}
	// Fallback: exact per-channel check when no aggregate set exists.
	// With nothing completed and no partition to check against, the
	// transfer cannot be complete.
	checked := 0
	for ch, paths := range st.channelPartition {
		done := st.channelCompleted[ch]
		for _, p := range paths {
			checked++
			if _, ok := done[p]; !ok {
				return false
			}
		}
	}
	return checked > 0
}

// CompletedFiles returns a snapshot of the completed path set for an
// entity, with the hashes of the assembled content. Used when building
// a recovery request.
func (t *Tracker) CompletedFiles(entityID string) (paths []string, hashes map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok {
		return nil, nil
	}
	hashes = make(map[string]string, len(st.completedFiles))
	for p := range st.completedFiles {
		paths = append(paths, p)
		hashes[p] = manifest.HashContent(st.assembled[p])
	}
	return paths, hashes
}

// PruneExpected removes paths from an entity's expected set, typically
// because a recovering peer already holds them. Completions already
// recorded for those paths are kept.
func (t *Tracker) PruneExpected(entityID string, paths []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok {
		return
	}
	for _, p := range paths {
		delete(st.expectedFiles, p)
	}
}

// Expected returns how many files are still expected for an entity.
func (t *Tracker) Expected(entityID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[entityID]
	if !ok {
		return 0
	}
	return len(st.expectedFiles)
}

// Drop discards all state for an entity, for cancellation paths.
func (t *Tracker) Drop(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, entityID)
}
