// Package orch drives whole entity transfers: capability negotiation,
// channel assignment, chunked streaming, completion aggregation and
// disconnect recovery, glued together over a multi-channel transport.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bytebundle/bytebundle/internal/assign"
	"github.com/bytebundle/bytebundle/internal/channel"
	"github.com/bytebundle/bytebundle/internal/chunker"
	"github.com/bytebundle/bytebundle/internal/config"
	"github.com/bytebundle/bytebundle/internal/negotiate"
	"github.com/bytebundle/bytebundle/internal/recovery"
	"github.com/bytebundle/bytebundle/internal/track"
	"github.com/bytebundle/bytebundle/pkg/manifest"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

// Control messages always ride the first channel; chunk traffic uses
// whichever channel the file was assigned to.
const controlChannel = 0

var (
	ErrNotAttached = errors.New("orch: peer not attached")
	ErrBusy        = errors.New("orch: transfer already in progress with peer")
	ErrCancelled   = errors.New("orch: transfer cancelled")
	ErrFileFailed  = errors.New("orch: file failed hash verification twice")
)

// DialFn re-establishes the multi-channel path to a peer during
// recovery. Supplied by the transport collaborator.
type DialFn func(ctx context.Context) (channel.MultiChannel, error)

// Orchestrator owns the local bundle and one transfer link per peer.
type Orchestrator struct {
	cfg config.TransferConfig
	log *slog.Logger

	tracker  *track.Tracker
	sender   *chunker.Sender
	receiver *chunker.Receiver
	recov    *recovery.Coordinator

	mu     sync.Mutex
	bundle map[string]manifest.AssetFile
	blobs  manifest.MetadataBlobs
	links  map[string]*link
}

// New creates an orchestrator. materialize receives fully assembled
// bundles; logger may be nil.
func New(cfg config.TransferConfig, materialize track.MaterializeFn, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:    cfg,
		log:    logger,
		bundle: make(map[string]manifest.AssetFile),
		links:  make(map[string]*link),
	}
	o.tracker = track.New(materialize, logger)
	o.sender = chunker.NewSender(chunker.Config{
		ChunkSize: cfg.ChunkSize,
		Window:    cfg.WindowSize,
	}, logger)
	o.receiver = chunker.NewReceiver(chunker.ReceiverConfig{
		ChunkSize:  cfg.ChunkSize,
		StaleAfter: cfg.SessionStaleAfter,
		SweepEvery: cfg.SessionSweepEvery,
	}, logger)
	o.recov = recovery.New(recovery.Config{MaxRetries: cfg.RecoveryRetries}, logger)
	return o
}

// RunJanitor sweeps stale reassembly sessions until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context) {
	o.receiver.RunJanitor(ctx)
}

// SetBundle installs the local entity's assets and metadata. Files
// without a precomputed hash are hashed here.
func (o *Orchestrator) SetBundle(files []manifest.AssetFile, blobs manifest.MetadataBlobs) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bundle = make(map[string]manifest.AssetFile, len(files))
	for _, f := range files {
		if f.ContentHash == "" {
			f.ContentHash = manifest.HashContent(f.Content)
		}
		if f.SizeBytes == 0 {
			f.SizeBytes = int64(len(f.Content))
		}
		o.bundle[f.Path] = f
	}
	o.blobs = blobs
}

// Manifest returns the digest of the local bundle, for diffing.
func (o *Orchestrator) Manifest() manifest.Manifest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return manifest.Build(o.cfg.OwnerID, o.bundleLocked(), o.blobs)
}

func (o *Orchestrator) bundleLocked() []manifest.AssetFile {
	files := make([]manifest.AssetFile, 0, len(o.bundle))
	for _, f := range o.bundle {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func (o *Orchestrator) bundleFiles() []manifest.AssetFile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bundleLocked()
}

// Attach binds a multi-channel path to a peer, creating the transfer
// link on first use. Re-attaching after a reconnect replaces the path
// and resets the physical channel remap.
func (o *Orchestrator) Attach(peerID string, mc channel.MultiChannel) error {
	o.mu.Lock()
	l, ok := o.links[peerID]
	if !ok {
		l = newLink(o, peerID)
		o.links[peerID] = l
	}
	o.mu.Unlock()

	l.mu.Lock()
	l.mc = mc
	l.remap.Reset()
	l.mu.Unlock()
	mc.SetHandler(l.inbound)
	return nil
}

func (o *Orchestrator) link(peerID string) *link {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.links[peerID]
}

// State reports the transfer state for a peer.
func (o *Orchestrator) State(peerID string) State {
	l := o.link(peerID)
	if l == nil {
		return StateIdle
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Completed reports which files of an inbound transfer have been fully
// received so far.
func (o *Orchestrator) Completed(entityID string) []string {
	paths, _ := o.tracker.CompletedFiles(entityID)
	return paths
}

// Offer streams the whole local bundle to the peer and blocks until
// the peer confirms every file, the transfer fails, or ctx is done.
func (o *Orchestrator) Offer(ctx context.Context, peerID string) error {
	return o.offer(ctx, peerID, o.bundleFiles())
}

// OfferDelta streams only what the remote manifest is missing.
func (o *Orchestrator) OfferDelta(ctx context.Context, peerID string, remote manifest.Manifest) error {
	o.mu.Lock()
	held := make(map[string]manifest.AssetFile, len(o.bundle))
	for p, f := range o.bundle {
		held[p] = f
	}
	local := manifest.Build(o.cfg.OwnerID, o.bundleLocked(), o.blobs)
	o.mu.Unlock()

	delta := manifest.Diff(local, remote, held)
	files := make([]manifest.AssetFile, 0, len(delta.FilesToSend))
	for _, f := range delta.FilesToSend {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if len(files) == 0 {
		o.log.Info("nothing to send", "peer", peerID)
		return nil
	}
	return o.offer(ctx, peerID, files)
}

// RequestSync sends the local manifest to the peer; the peer answers
// with a delta offer containing only what this side is missing.
func (o *Orchestrator) RequestSync(ctx context.Context, peerID string) error {
	l := o.link(peerID)
	if l == nil {
		return ErrNotAttached
	}
	return l.sendMsg(ctx, controlChannel, protocol.TypeManifestOffer, o.Manifest())
}

// BroadcastTo offers the bundle to several peers at once, one
// independent transfer per peer.
func (o *Orchestrator) BroadcastTo(ctx context.Context, peerIDs ...string) map[string]error {
	results := make(map[string]error, len(peerIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range peerIDs {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			err := o.Offer(ctx, peerID)
			mu.Lock()
			results[peerID] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) offer(ctx context.Context, peerID string, files []manifest.AssetFile) error {
	l := o.link(peerID)
	if l == nil {
		return ErrNotAttached
	}

	l.mu.Lock()
	switch l.state {
	case StateNegotiating, StateTransferring, StateRecovering:
		l.mu.Unlock()
		return ErrBusy
	}
	l.state = StateNegotiating
	l.negotiating = true
	l.capsCh = make(chan protocol.ChannelCapabilities, 1)
	l.doneCh = make(chan struct{})
	l.doneOnce = new(sync.Once)
	l.lastErr = nil
	mc := l.mc
	l.mu.Unlock()

	localCaps := negotiate.CalculateCapabilities(files, o.cfg.OwnerID, o.cfg.AvailableMemoryMB)
	if err := l.sendMsg(ctx, controlChannel, protocol.TypeCapabilities, localCaps); err != nil {
		l.setState(StateFailed)
		l.finish(err)
		return fmt.Errorf("send capabilities: %w", err)
	}

	localN := 1
	timeout := o.cfg.NegotiateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case remoteCaps := <-l.capsCh:
		localN, _ = negotiate.NegotiateChannels(localCaps, remoteCaps)
	case <-time.After(timeout):
		// No response: conservative fallback of one channel per side.
		o.log.Warn("capability exchange timed out", "peer", peerID)
	case <-ctx.Done():
		l.setState(StateCancelled)
		return ctx.Err()
	}
	l.mu.Lock()
	l.negotiating = false
	l.mu.Unlock()

	if max := mc.ChannelCount(); localN > max {
		localN = max
	}

	a := assign.Partition(files, localN, assign.Config{LargeFileBytes: o.cfg.LargeFileBytes})
	transferID := uuid.NewString()

	paths := make([]string, 0, len(files))
	outstanding := make(map[string]struct{}, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
		outstanding[f.Path] = struct{}{}
	}
	sort.Strings(paths)

	sendCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.transferID = transferID
	l.assignment = assignmentView{ChannelOf: a.ChannelOf, ByChannel: a.ByChannel}
	l.outstanding = outstanding
	l.sendCtx = sendCtx
	l.cancelSend = cancel
	l.mu.Unlock()

	o.mu.Lock()
	blobs := o.blobs
	o.mu.Unlock()

	begin := protocol.TransferBegin{
		TransferID:       transferID,
		OwnerID:          o.cfg.OwnerID,
		ExpectedFiles:    paths,
		ChannelPartition: a.ByChannel,
		ChannelCount:     localN,
		Blobs:            blobs,
	}
	if err := l.sendMsg(ctx, controlChannel, protocol.TypeTransferBegin, begin); err != nil {
		l.setState(StateFailed)
		l.finish(err)
		cancel()
		return fmt.Errorf("send transfer begin: %w", err)
	}
	l.setState(StateTransferring)
	o.log.Info("transfer started",
		"peer", peerID, "transfer", transferID, "files", len(paths), "channels", localN)

	o.streamAssigned(sendCtx, l, paths)

	select {
	case <-l.doneCh:
		l.mu.Lock()
		err := l.lastErr
		l.mu.Unlock()
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// streamAssigned launches one goroutine per channel; files sharing a
// channel are streamed sequentially so a file's chunk ordering is the
// channel's ordering.
func (o *Orchestrator) streamAssigned(ctx context.Context, l *link, paths []string) {
	l.mu.Lock()
	byChannel := make(map[int][]string)
	for _, p := range paths {
		ch := l.assignment.ChannelOf[p]
		byChannel[ch] = append(byChannel[ch], p)
	}
	l.mu.Unlock()

	for ch, chPaths := range byChannel {
		go func(ch int, chPaths []string) {
			for _, p := range chPaths {
				if ctx.Err() != nil {
					return
				}
				if err := o.streamFile(ctx, l, ch, p); err != nil {
					o.log.Warn("file stream failed",
						"peer", l.peerID, "file", p, "channel", ch, "err", err)
				}
			}
		}(ch, chPaths)
	}
}

func (o *Orchestrator) streamFile(ctx context.Context, l *link, ch int, path string) error {
	o.mu.Lock()
	f, ok := o.bundle[path]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("file %q not in bundle", path)
	}

	sess := o.sender.StartTransfer(ctx, path, f.Content, f.ContentHash, ch,
		func(ctx context.Context, c protocol.Chunk) error {
			return l.sendMsg(ctx, ch, protocol.TypeChunk, c)
		})
	return sess.Wait()
}

// Cancel aborts the transfer with a peer on both sides.
func (o *Orchestrator) Cancel(ctx context.Context, peerID, reason string) error {
	l := o.link(peerID)
	if l == nil {
		return ErrNotAttached
	}

	l.mu.Lock()
	transferID := l.transferID
	entity := l.entityID
	cancel := l.cancelSend
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := l.sendMsg(ctx, controlChannel, protocol.TypeCancel, protocol.Cancel{
		TransferID: transferID,
		OwnerID:    o.cfg.OwnerID,
		Reason:     reason,
	})
	if entity != "" {
		o.tracker.Drop(entity)
	}
	l.setState(StateCancelled)
	l.finish(ErrCancelled)
	return err
}

// OnDisconnect snapshots progress for later recovery. The in-progress
// transfer state is kept; recovery is a continuation, not a reset.
func (o *Orchestrator) OnDisconnect(peerID string) {
	l := o.link(peerID)
	if l == nil {
		return
	}

	l.mu.Lock()
	if l.state != StateNegotiating && l.state != StateTransferring {
		l.mu.Unlock()
		return
	}
	entity := l.entityID
	transferID := l.transferID
	bytesRecv := l.bytesRecv
	cancel := l.cancelSend
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if entity != "" {
		paths, hashes := o.tracker.CompletedFiles(entity)
		o.recov.OnDisconnect(recovery.Session{
			PeerID:           peerID,
			TransferID:       transferID,
			OwnerID:          entity,
			CompletedFiles:   paths,
			FileHashes:       hashes,
			BytesTransferred: bytesRecv,
		})
	}
	l.setState(StateDisconnected)
	o.log.Warn("peer disconnected mid-transfer", "peer", peerID, "transfer", transferID)
}

// Recover reconnects to a disconnected peer and sends the recovery
// request so only the remainder is re-sent. On an exhausted retry
// budget the transfer is terminally failed and reported once.
func (o *Orchestrator) Recover(ctx context.Context, peerID string, dial DialFn) error {
	l := o.link(peerID)
	if l == nil {
		return ErrNotAttached
	}
	l.setState(StateRecovering)

	var fresh channel.MultiChannel
	err := o.recov.Run(ctx, peerID,
		func(ctx context.Context) error {
			mc, err := dial(ctx)
			if err != nil {
				return err
			}
			fresh = mc
			return nil
		},
		func(ctx context.Context, req protocol.RecoveryRequest) error {
			if err := o.Attach(peerID, fresh); err != nil {
				return err
			}
			return l.sendMsg(ctx, controlChannel, protocol.TypeRecoveryRequest, req)
		})
	if err != nil {
		l.mu.Lock()
		entity := l.entityID
		l.mu.Unlock()
		if entity != "" {
			o.tracker.Drop(entity)
		}
		l.setState(StateFailed)
		l.finish(err)
		o.log.Error("transfer terminally failed", "peer", peerID, "err", err)
		return err
	}

	l.setState(StateTransferring)
	return nil
}

// Wait blocks until the transfer with a peer reaches a terminal state
// or ctx is done, and returns the terminal error, if any.
func (o *Orchestrator) Wait(ctx context.Context, peerID string) error {
	l := o.link(peerID)
	if l == nil {
		return ErrNotAttached
	}
	l.mu.Lock()
	done := l.doneCh
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.lastErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func marshalEnvelope(env protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
