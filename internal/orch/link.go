package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bytebundle/bytebundle/internal/channel"
	"github.com/bytebundle/bytebundle/internal/negotiate"
	"github.com/bytebundle/bytebundle/pkg/manifest"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

// link is the per-peer transfer context: the channel path, the message
// dispatch table, and both sender- and receiver-side bookkeeping.
type link struct {
	o      *Orchestrator
	peerID string
	disp   *protocol.Dispatcher
	remap  *channel.Remap

	mu          sync.Mutex
	state       State
	mc          channel.MultiChannel
	entityID    string // remote owner whose bundle we receive
	transferID  string
	negotiating bool
	capsCh      chan protocol.ChannelCapabilities
	outstanding map[string]struct{} // sender side: paths awaiting FileDone
	assignment  assignmentView
	rerequested map[string]struct{} // receiver side: one re-request per file
	sendCtx     context.Context
	cancelSend  context.CancelFunc
	doneCh      chan struct{}
	doneOnce    *sync.Once
	bytesRecv   uint64
	lastErr     error
}

// assignmentView is the subset of the channel assignment the link needs
// after a transfer starts.
type assignmentView struct {
	ChannelOf map[string]int
	ByChannel map[int][]string
}

func newLink(o *Orchestrator, peerID string) *link {
	l := &link{
		o:           o,
		peerID:      peerID,
		disp:        protocol.NewDispatcher(),
		remap:       channel.NewRemap(),
		rerequested: make(map[string]struct{}),
		doneCh:      make(chan struct{}),
		doneOnce:    new(sync.Once),
	}

	handlers := map[string]protocol.HandlerFunc{
		protocol.TypeCapabilities:    l.handleCapabilities,
		protocol.TypeTransferBegin:   l.handleTransferBegin,
		protocol.TypeChunk:           l.handleChunk,
		protocol.TypeFileDone:        l.handleFileDone,
		protocol.TypeFileRequest:     l.handleFileRequest,
		protocol.TypeManifestOffer:   l.handleManifestOffer,
		protocol.TypeRecoveryRequest: l.handleRecoveryRequest,
		protocol.TypeTransferDone:    l.handleTransferDone,
		protocol.TypeCancel:          l.handleCancel,
		protocol.TypeError:           l.handleError,
	}
	for t, h := range handlers {
		if err := l.disp.Register(t, h); err != nil {
			panic(fmt.Sprintf("register %s handler: %v", t, err))
		}
	}
	if !l.disp.Complete() {
		panic("dispatch table incomplete")
	}
	return l
}

// inbound is installed as the MultiChannel handler. It decodes the
// envelope, maintains the physical-to-logical remap for chunk traffic,
// and routes through the dispatch table. Envelopes addressed from a
// different peer are dropped: a shared lane can carry traffic for
// other links.
func (l *link) inbound(physicalIndex int, payload []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		l.o.log.Warn("undecodable inbound payload",
			"peer", l.peerID, "channel", physicalIndex, "err", err)
		return
	}

	if env.From != "" && env.From != l.peerID {
		l.o.log.Debug("dropping envelope from foreign peer",
			"peer", l.peerID, "from", env.From, "type", env.Type)
		return
	}

	if env.Type == protocol.TypeChunk {
		var c protocol.Chunk
		if err := env.DecodePayload(&c); err != nil {
			l.o.log.Warn("undecodable chunk payload",
				"peer", l.peerID, "channel", physicalIndex, "err", err)
			return
		}
		if err := l.remap.Bind(uint64(physicalIndex), c.ChannelIndex); err != nil {
			l.o.log.Warn("channel remap collision, dropping chunk",
				"peer", l.peerID, "physical", physicalIndex, "err", err)
			return
		}
		// The bound table, not the chunk's own claim, decides the
		// logical lane.
		if logical, ok := l.remap.Logical(uint64(physicalIndex)); ok {
			c.ChannelIndex = logical
		}
		if err := l.acceptChunk(l.peerID, c); err != nil {
			l.o.log.Warn("dispatch failed", "peer", l.peerID, "type", env.Type, "err", err)
		}
		return
	}

	if err := l.disp.Dispatch(l.peerID, env); err != nil {
		l.o.log.Warn("dispatch failed", "peer", l.peerID, "type", env.Type, "err", err)
	}
}

// setState advances the lifecycle. Terminal states are frozen; an
// off-diagram transition is logged but applied, since message loss can
// legitimately skip intermediate states.
func (l *link) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == s {
		return
	}
	if l.state.terminal() {
		return
	}
	if !validNext(l.state, s) {
		l.o.log.Debug("irregular state transition",
			"peer", l.peerID, "from", l.state.String(), "to", s.String())
	}
	l.state = s
}

// finish records the terminal outcome and releases waiters exactly once.
func (l *link) finish(err error) {
	l.mu.Lock()
	if l.lastErr == nil {
		l.lastErr = err
	}
	once := l.doneOnce
	ch := l.doneCh
	l.mu.Unlock()
	if once != nil && ch != nil {
		once.Do(func() { close(ch) })
	}
}

// sendMsg wraps a payload in an envelope and sends it on the given
// channel index.
func (l *link) sendMsg(ctx context.Context, channelIndex int, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	env.From = l.o.cfg.OwnerID
	env.To = l.peerID

	raw, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	l.mu.Lock()
	mc := l.mc
	l.mu.Unlock()
	if mc == nil {
		return ErrNotAttached
	}
	return mc.Send(ctx, channelIndex, raw)
}

func (l *link) handleCapabilities(from string, env protocol.Envelope) error {
	var caps protocol.ChannelCapabilities
	if err := env.DecodePayload(&caps); err != nil {
		return err
	}

	l.mu.Lock()
	waiting := l.negotiating
	capsCh := l.capsCh
	l.mu.Unlock()

	if waiting {
		select {
		case capsCh <- caps:
		default:
		}
		return nil
	}

	// Responder: advertise what we could sustain in return.
	l.setState(StateNegotiating)
	ours := negotiate.CalculateCapabilities(l.o.bundleFiles(), l.o.cfg.OwnerID, l.o.cfg.AvailableMemoryMB)
	return l.sendMsg(context.Background(), controlChannel, protocol.TypeCapabilities, ours)
}

func (l *link) handleTransferBegin(from string, env protocol.Envelope) error {
	var begin protocol.TransferBegin
	if err := env.DecodePayload(&begin); err != nil {
		return err
	}

	l.mu.Lock()
	fresh := l.transferID != begin.TransferID
	l.entityID = begin.OwnerID
	l.transferID = begin.TransferID
	if fresh {
		l.doneCh = make(chan struct{})
		l.doneOnce = new(sync.Once)
		l.lastErr = nil
		l.rerequested = make(map[string]struct{})
		l.bytesRecv = 0
		// A fresh transfer may follow a terminal one; reset directly.
		l.state = StateTransferring
	}
	l.mu.Unlock()

	l.setState(StateTransferring)
	l.o.tracker.SetMetadataBlobs(begin.OwnerID, begin.Blobs)
	l.o.log.Info("inbound transfer announced",
		"peer", l.peerID, "entity", begin.OwnerID,
		"files", len(begin.ExpectedFiles), "channels", begin.ChannelCount)

	// Early chunks may already cover the whole expected set.
	if l.o.tracker.OnBroadcastReceived(begin.OwnerID, begin.ExpectedFiles, begin.ChannelPartition) {
		if err := l.sendMsg(context.Background(), controlChannel, protocol.TypeTransferDone, protocol.TransferDone{
			TransferID: begin.TransferID,
			OwnerID:    begin.OwnerID,
			OK:         true,
		}); err != nil {
			l.o.log.Warn("transfer done notification failed", "peer", l.peerID, "err", err)
		}
		l.setState(StateCompleted)
		l.finish(nil)
	}
	return nil
}

func (l *link) handleChunk(from string, env protocol.Envelope) error {
	var c protocol.Chunk
	if err := env.DecodePayload(&c); err != nil {
		return err
	}
	return l.acceptChunk(from, c)
}

// acceptChunk folds one remap-resolved chunk into the receive path.
func (l *link) acceptChunk(from string, c protocol.Chunk) error {
	l.mu.Lock()
	l.bytesRecv += uint64(len(c.Payload))
	entity := l.entityID
	l.mu.Unlock()
	if entity == "" {
		// Chunk raced ahead of the transfer announcement.
		entity = from
	}

	assembled, done := l.o.receiver.ReceiveChunk(c)
	if !done {
		return nil
	}

	if c.FileHash != "" && manifest.HashContent(assembled) != c.FileHash {
		l.mu.Lock()
		_, again := l.rerequested[c.FileName]
		if !again {
			l.rerequested[c.FileName] = struct{}{}
		}
		l.mu.Unlock()

		if again {
			l.o.log.Error("file failed verification twice, giving up",
				"peer", l.peerID, "file", c.FileName)
			return l.sendMsg(context.Background(), controlChannel, protocol.TypeFileDone, protocol.FileDone{
				OwnerID:      l.o.cfg.OwnerID,
				Path:         c.FileName,
				ChannelIndex: c.ChannelIndex,
				OK:           false,
				ErrMsg:       "hash verification failed twice",
			})
		}
		l.o.log.Warn("reassembled file hash mismatch, re-requesting",
			"peer", l.peerID, "file", c.FileName)
		return l.sendMsg(context.Background(), controlChannel, protocol.TypeFileRequest, protocol.FileRequest{
			OwnerID: l.o.cfg.OwnerID,
			Paths:   []string{c.FileName},
		})
	}

	allDone := l.o.tracker.OnFileComplete(entity, c.ChannelIndex, c.FileName, assembled)
	if err := l.sendMsg(context.Background(), controlChannel, protocol.TypeFileDone, protocol.FileDone{
		OwnerID:      l.o.cfg.OwnerID,
		Path:         c.FileName,
		ChannelIndex: c.ChannelIndex,
		OK:           true,
	}); err != nil {
		l.o.log.Warn("file done notification failed", "peer", l.peerID, "file", c.FileName, "err", err)
	}

	if allDone {
		l.mu.Lock()
		transferID := l.transferID
		l.mu.Unlock()
		if err := l.sendMsg(context.Background(), controlChannel, protocol.TypeTransferDone, protocol.TransferDone{
			TransferID: transferID,
			OwnerID:    entity,
			OK:         true,
		}); err != nil {
			l.o.log.Warn("transfer done notification failed", "peer", l.peerID, "err", err)
		}
		l.setState(StateCompleted)
		l.finish(nil)
	}
	return nil
}

func (l *link) handleFileDone(from string, env protocol.Envelope) error {
	var fd protocol.FileDone
	if err := env.DecodePayload(&fd); err != nil {
		return err
	}

	l.mu.Lock()
	if l.outstanding == nil {
		l.mu.Unlock()
		return nil
	}
	delete(l.outstanding, fd.Path)
	if !fd.OK && l.lastErr == nil {
		l.lastErr = fmt.Errorf("%w: %s (%s)", ErrFileFailed, fd.Path, fd.ErrMsg)
	}
	remaining := len(l.outstanding)
	failed := l.lastErr != nil
	l.mu.Unlock()

	if !fd.OK {
		l.o.log.Warn("peer reported file failure", "peer", l.peerID, "file", fd.Path, "err", fd.ErrMsg)
	}
	if remaining == 0 {
		if failed {
			l.setState(StateFailed)
			l.finish(nil) // lastErr already recorded
		} else {
			l.setState(StateCompleted)
			l.finish(nil)
		}
	}
	return nil
}

func (l *link) handleFileRequest(from string, env protocol.Envelope) error {
	var req protocol.FileRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}

	l.mu.Lock()
	if l.outstanding == nil {
		l.outstanding = make(map[string]struct{})
	}
	ctx := l.sendCtx
	channels := make(map[string]int, len(req.Paths))
	for _, p := range req.Paths {
		l.outstanding[p] = struct{}{}
		channels[p] = l.assignment.ChannelOf[p]
	}
	l.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	for _, p := range req.Paths {
		go func(path string, ch int) {
			if err := l.o.streamFile(ctx, l, ch, path); err != nil {
				l.o.log.Warn("re-send failed", "peer", l.peerID, "file", path, "err", err)
			}
		}(p, channels[p])
	}
	return nil
}

func (l *link) handleManifestOffer(from string, env protocol.Envelope) error {
	var remote manifest.Manifest
	if err := env.DecodePayload(&remote); err != nil {
		return err
	}
	// Send whatever the remote digest is missing; the reverse direction
	// is driven by the remote when it receives our manifest.
	go func() {
		if err := l.o.OfferDelta(context.Background(), l.peerID, remote); err != nil {
			l.o.log.Warn("delta offer failed", "peer", l.peerID, "err", err)
		}
	}()
	return nil
}

func (l *link) handleRecoveryRequest(from string, env protocol.Envelope) error {
	var req protocol.RecoveryRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}

	l.mu.Lock()
	for _, p := range req.CompletedFiles {
		delete(l.outstanding, p)
	}
	remaining := make([]string, 0, len(l.outstanding))
	for p := range l.outstanding {
		remaining = append(remaining, p)
	}
	l.mu.Unlock()

	l.o.log.Info("recovery request received",
		"peer", l.peerID, "held", len(req.CompletedFiles), "remaining", len(remaining))

	if len(remaining) == 0 {
		l.setState(StateCompleted)
		l.finish(nil)
		return nil
	}

	// The old send context died with the old channel path.
	sendCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.sendCtx = sendCtx
	l.cancelSend = cancel
	l.mu.Unlock()

	l.setState(StateTransferring)
	l.o.streamAssigned(sendCtx, l, remaining)
	return nil
}

func (l *link) handleTransferDone(from string, env protocol.Envelope) error {
	var done protocol.TransferDone
	if err := env.DecodePayload(&done); err != nil {
		return err
	}
	if done.OK {
		l.setState(StateCompleted)
		l.finish(nil)
	} else {
		l.setState(StateFailed)
		l.finish(errors.New(done.ErrMsg))
	}
	return nil
}

func (l *link) handleCancel(from string, env protocol.Envelope) error {
	var c protocol.Cancel
	if err := env.DecodePayload(&c); err != nil {
		return err
	}

	l.mu.Lock()
	entity := l.entityID
	cancel := l.cancelSend
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if entity != "" {
		l.o.tracker.Drop(entity)
	}
	l.o.log.Info("transfer cancelled by peer", "peer", l.peerID, "reason", c.Reason)
	l.setState(StateCancelled)
	l.finish(ErrCancelled)
	return nil
}

func (l *link) handleError(from string, env protocol.Envelope) error {
	var e protocol.Error
	if err := env.DecodePayload(&e); err != nil {
		return err
	}
	l.o.log.Warn("peer reported error", "peer", l.peerID, "code", e.Code, "msg", e.Message)
	return nil
}
