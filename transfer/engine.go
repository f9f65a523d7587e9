// Package transfer implements the chunked file-transfer state machine
// layered on the relay protocol. One Transfer tracks exactly one sender
// and one receiver; broadcasting a file expands into independent
// Transfers over a shared byte source. The engine is transport-agnostic
// and works on plaintext chunks; the session layer applies encryption
// on the way out and strips it on the way in.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"cloak/contract"
	"cloak/domain"
	"cloak/domain/event"
	"cloak/errors"
)

const DefaultChunkSize = 64 * 1024

// Offer carries the metadata of a proposed transfer.
type Offer struct {
	TransferID  domain.TransferID
	FileName    string
	FileSize    int64
	FileType    string
	TotalChunks int
}

// Outbound is the engine's view of the relay connection. Every method
// addresses one peer; the session layer owns serialization and
// encryption.
type Outbound interface {
	SendOffer(peer domain.ConnID, offer Offer) error
	SendAccept(peer domain.ConnID, id domain.TransferID) error
	SendDecline(peer domain.ConnID, id domain.TransferID) error
	SendChunk(peer domain.ConnID, id domain.TransferID, index int, data []byte) error
	SendComplete(peer domain.ConnID, id domain.TransferID) error
	SendCancel(peer domain.ConnID, id domain.TransferID) error
}

type outboundTransfer struct {
	transfer domain.Transfer
	source   []byte
	cancel   chan struct{}
	stopOnce sync.Once
}

func (t *outboundTransfer) stop() {
	t.stopOnce.Do(func() { close(t.cancel) })
}

type inboundTransfer struct {
	transfer  domain.Transfer
	chunks    map[int][]byte
	finalized bool
}

// Engine owns every live transfer on one client session.
type Engine struct {
	mu        sync.Mutex
	log       *slog.Logger
	out       Outbound
	sink      contract.EventSink
	chunkSize int
	onFile    func(t domain.Transfer, data []byte)
	outgoing  map[domain.TransferID]*outboundTransfer
	incoming  map[domain.TransferID]*inboundTransfer
}

func NewEngine(log *slog.Logger, out Outbound, sink contract.EventSink, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{
		log:       log,
		out:       out,
		sink:      sink,
		chunkSize: chunkSize,
		outgoing:  make(map[domain.TransferID]*outboundTransfer),
		incoming:  make(map[domain.TransferID]*inboundTransfer),
	}
}

// OnFile registers the callback invoked exactly once per finalized
// inbound transfer with the reassembled content.
func (e *Engine) OnFile(fn func(t domain.Transfer, data []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFile = fn
}

// OfferFile proposes content to each given peer, creating one
// independent Transfer per peer over the same byte slice. Declining or
// cancelling one does not affect the others. File type is sniffed from
// the content, not the name.
func (e *Engine) OfferFile(ctx context.Context, peers []domain.ConnID, fileName string, content []byte) ([]domain.TransferID, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("offer %q: no recipients", fileName)
	}

	fileType := mimetype.Detect(content).String()
	totalChunks := (len(content) + e.chunkSize - 1) / e.chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	ids := make([]domain.TransferID, 0, len(peers))
	for _, peer := range peers {
		id := domain.TransferID(uuid.NewString())
		out := &outboundTransfer{
			transfer: domain.Transfer{
				ID:          id,
				FileName:    fileName,
				FileSize:    int64(len(content)),
				FileType:    fileType,
				TotalChunks: totalChunks,
				Status:      domain.TransferPending,
				PeerConnID:  peer,
				Direction:   domain.TransferOutbound,
			},
			source: content,
			cancel: make(chan struct{}),
		}

		offer := Offer{
			TransferID:  id,
			FileName:    fileName,
			FileSize:    out.transfer.FileSize,
			FileType:    fileType,
			TotalChunks: totalChunks,
		}
		if err := e.out.SendOffer(peer, offer); err != nil {
			return ids, fmt.Errorf("offer %q to %s: %w", fileName, peer, err)
		}

		e.mu.Lock()
		e.outgoing[id] = out
		e.mu.Unlock()
		e.emit(ctx, out.transfer)
		ids = append(ids, id)
	}
	return ids, nil
}

// HandleAccept moves an outbound transfer to transferring and starts
// chunk emission. Emission runs on its own goroutine and checks the
// cancellation token between chunks.
func (e *Engine) HandleAccept(ctx context.Context, id domain.TransferID) error {
	e.mu.Lock()
	out, ok := e.outgoing[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("accept %s: %w", id, errors.ErrTransferUnknown)
	}
	if out.transfer.Status != domain.TransferPending {
		e.mu.Unlock()
		return fmt.Errorf("accept %s in state %s: %w", id, out.transfer.Status, errors.ErrTransferFinalized)
	}
	out.transfer.Status = domain.TransferRunning
	snapshot := out.transfer
	e.mu.Unlock()

	e.emit(ctx, snapshot)
	go e.pump(ctx, out)
	return nil
}

func (e *Engine) pump(ctx context.Context, out *outboundTransfer) {
	e.mu.Lock()
	id := out.transfer.ID
	totalChunks := out.transfer.TotalChunks
	e.mu.Unlock()

	for index := 0; index < totalChunks; index++ {
		select {
		case <-out.cancel:
			return
		case <-ctx.Done():
			return
		default:
		}

		// The peer address is re-read every iteration: a migration
		// arriving mid-transfer must redirect the remaining chunks.
		e.mu.Lock()
		peer := out.transfer.PeerConnID
		e.mu.Unlock()

		start := index * e.chunkSize
		end := start + e.chunkSize
		if end > len(out.source) {
			end = len(out.source)
		}
		if err := e.out.SendChunk(peer, id, index, out.source[start:end]); err != nil {
			e.log.Warn("Chunk emission failed, cancelling transfer", "transfer", id, "chunk", index, "error", err)
			e.cancelTransfer(ctx, id, false)
			return
		}

		e.mu.Lock()
		out.transfer.ChunksSeen = index + 1
		snapshot := out.transfer
		e.mu.Unlock()
		e.emit(ctx, snapshot)
	}

	// A cancellation that raced the last chunk still wins.
	select {
	case <-out.cancel:
		return
	default:
	}

	e.mu.Lock()
	peer := out.transfer.PeerConnID
	e.mu.Unlock()

	if err := e.out.SendComplete(peer, id); err != nil {
		e.log.Warn("Completion signal failed", "transfer", id, "error", err)
		return
	}

	e.mu.Lock()
	out.transfer.Status = domain.TransferCompleted
	snapshot := out.transfer
	e.mu.Unlock()
	e.emit(ctx, snapshot)
}

// HandleDecline terminates a pending outbound transfer. A decline
// arriving after the transfer left pending (late duplicate, or a
// decline racing completion) must not rewrite a terminal status.
func (e *Engine) HandleDecline(ctx context.Context, id domain.TransferID) error {
	e.mu.Lock()
	out, ok := e.outgoing[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("decline %s: %w", id, errors.ErrTransferUnknown)
	}
	if out.transfer.Status != domain.TransferPending {
		e.mu.Unlock()
		return fmt.Errorf("decline %s in state %s: %w", id, out.transfer.Status, errors.ErrTransferFinalized)
	}
	out.stop()
	out.transfer.Status = domain.TransferDeclined
	snapshot := out.transfer
	e.mu.Unlock()
	e.emit(ctx, snapshot)
	return nil
}

// HandleOffer records an inbound proposal. The user decides via Accept
// or Decline.
func (e *Engine) HandleOffer(ctx context.Context, from domain.ConnID, offer Offer) {
	t := domain.Transfer{
		ID:          offer.TransferID,
		FileName:    offer.FileName,
		FileSize:    offer.FileSize,
		FileType:    offer.FileType,
		TotalChunks: offer.TotalChunks,
		Status:      domain.TransferPending,
		PeerConnID:  from,
		Direction:   domain.TransferInbound,
	}

	e.mu.Lock()
	e.incoming[offer.TransferID] = &inboundTransfer{
		transfer: t,
		chunks:   make(map[int][]byte),
	}
	e.mu.Unlock()
	e.emit(ctx, t)
}

// Accept tells the sender to start emitting chunks for an inbound offer.
func (e *Engine) Accept(ctx context.Context, id domain.TransferID) error {
	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("accept %s: %w", id, errors.ErrTransferUnknown)
	}
	if in.transfer.Status != domain.TransferPending {
		e.mu.Unlock()
		return fmt.Errorf("accept %s in state %s: %w", id, in.transfer.Status, errors.ErrTransferFinalized)
	}
	in.transfer.Status = domain.TransferRunning
	peer := in.transfer.PeerConnID
	snapshot := in.transfer
	e.mu.Unlock()

	if err := e.out.SendAccept(peer, id); err != nil {
		return fmt.Errorf("accept %s: %w", id, err)
	}
	e.emit(ctx, snapshot)
	return nil
}

// Decline rejects an inbound offer and releases its state.
func (e *Engine) Decline(ctx context.Context, id domain.TransferID) error {
	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("decline %s: %w", id, errors.ErrTransferUnknown)
	}
	in.transfer.Status = domain.TransferDeclined
	in.chunks = nil
	peer := in.transfer.PeerConnID
	snapshot := in.transfer
	e.mu.Unlock()

	if err := e.out.SendDecline(peer, id); err != nil {
		return fmt.Errorf("decline %s: %w", id, err)
	}
	e.emit(ctx, snapshot)
	return nil
}

// HandleChunk buffers one inbound chunk by index. Out-of-order delivery
// is tolerated; reassembly happens at completion by index, not arrival
// order. Duplicate indexes overwrite in place without recounting.
func (e *Engine) HandleChunk(ctx context.Context, id domain.TransferID, index int, data []byte) error {
	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("chunk for %s: %w", id, errors.ErrTransferUnknown)
	}
	if in.transfer.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("chunk for %s: %w", id, errors.ErrTransferFinalized)
	}
	if index < 0 || index >= in.transfer.TotalChunks {
		e.mu.Unlock()
		return fmt.Errorf("chunk %d of %s out of range [0,%d): %w", index, id, in.transfer.TotalChunks, errors.ErrTransferIntegrity)
	}
	if _, seen := in.chunks[index]; !seen {
		in.transfer.ChunksSeen++
	}
	in.chunks[index] = data
	snapshot := in.transfer
	e.mu.Unlock()

	e.emit(ctx, snapshot)
	return nil
}

// HandleComplete finalizes an inbound transfer exactly once. A resent
// completion signal for an already finalized transfer is a no-op, never
// a second file. A missing chunk at completion fails the transfer with
// ErrTransferIntegrity rather than presenting a short file as success.
func (e *Engine) HandleComplete(ctx context.Context, id domain.TransferID) error {
	e.mu.Lock()
	in, ok := e.incoming[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("complete %s: %w", id, errors.ErrTransferUnknown)
	}
	if in.finalized || in.transfer.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}

	for index := 0; index < in.transfer.TotalChunks; index++ {
		if _, present := in.chunks[index]; !present {
			in.transfer.Status = domain.TransferCancelled
			in.chunks = nil
			in.finalized = true
			snapshot := in.transfer
			e.mu.Unlock()
			e.emit(ctx, snapshot)
			return fmt.Errorf("complete %s: chunk %d missing: %w", id, index, errors.ErrTransferIntegrity)
		}
	}

	assembled := make([]byte, 0, in.transfer.FileSize)
	for index := 0; index < in.transfer.TotalChunks; index++ {
		assembled = append(assembled, in.chunks[index]...)
	}
	in.finalized = true
	in.chunks = nil
	in.transfer.Status = domain.TransferCompleted
	snapshot := in.transfer
	deliver := e.onFile
	e.mu.Unlock()

	e.emit(ctx, snapshot)
	if deliver != nil {
		deliver(snapshot, assembled)
	}
	return nil
}

// Cancel aborts a transfer from the local side and notifies the peer.
// Sender-side it stops chunk emission; receiver-side it releases the
// partial buffer.
func (e *Engine) Cancel(ctx context.Context, id domain.TransferID) error {
	peer, ok := e.cancelTransfer(ctx, id, false)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, errors.ErrTransferUnknown)
	}
	if err := e.out.SendCancel(peer, id); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

// HandleCancel applies a cancellation received from the peer.
func (e *Engine) HandleCancel(ctx context.Context, id domain.TransferID) error {
	if _, ok := e.cancelTransfer(ctx, id, true); !ok {
		return fmt.Errorf("cancel %s: %w", id, errors.ErrTransferUnknown)
	}
	return nil
}

func (e *Engine) cancelTransfer(ctx context.Context, id domain.TransferID, remote bool) (domain.ConnID, bool) {
	e.mu.Lock()
	if out, ok := e.outgoing[id]; ok {
		out.stop()
		if !out.transfer.Status.Terminal() {
			out.transfer.Status = domain.TransferCancelled
		}
		snapshot := out.transfer
		e.mu.Unlock()
		e.emit(ctx, snapshot)
		return snapshot.PeerConnID, true
	}
	if in, ok := e.incoming[id]; ok {
		if !in.transfer.Status.Terminal() {
			in.transfer.Status = domain.TransferCancelled
		}
		in.chunks = nil
		snapshot := in.transfer
		e.mu.Unlock()
		e.emit(ctx, snapshot)
		return snapshot.PeerConnID, true
	}
	e.mu.Unlock()
	if remote {
		e.log.Debug("Cancel for unknown transfer ignored", "transfer", id)
	}
	return "", false
}

// Migrate re-addresses every live transfer held against the old
// connection id. After it returns nothing refers to the stale id.
func (e *Engine) Migrate(m event.PeerIdentityMigration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, out := range e.outgoing {
		if out.transfer.PeerConnID == m.OldConnID {
			out.transfer.PeerConnID = m.NewConnID
		}
	}
	for _, in := range e.incoming {
		if in.transfer.PeerConnID == m.OldConnID {
			in.transfer.PeerConnID = m.NewConnID
		}
	}
}

// Transfers returns a snapshot of every transfer, live or terminal.
func (e *Engine) Transfers() []domain.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	transfers := make([]domain.Transfer, 0, len(e.outgoing)+len(e.incoming))
	for _, out := range e.outgoing {
		transfers = append(transfers, out.transfer)
	}
	for _, in := range e.incoming {
		transfers = append(transfers, in.transfer)
	}
	return transfers
}

func (e *Engine) emit(ctx context.Context, t domain.Transfer) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Consume(ctx, event.TransferUpdated{Transfer: t, At: time.Now().UTC()}); err != nil {
		e.log.Warn("Transfer event sink failed", "transfer", t.ID, "error", err)
	}
}
