// Package server tracks in-flight file transfers relayed between sessions.
// The relay never reassembles or persists chunk data; it validates sequence
// numbers, enforces a stall timeout, and passes chunks through verbatim.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/cipherchat/cipherchat/internal/protocol"
)

// fileTransfer is the server-side metadata for one chunked relay. The same
// value is held in both the source and destination session maps so either
// side's disconnect can release it.
type fileTransfer struct {
	id       string
	filename string
	size     int64
	source   *Session
	dest     *Session

	mu      sync.Mutex
	nextSeq uint64
	chunks  uint64
	done    bool
	timer   *time.Timer
}

// registerTransfer creates the tracking entry for an accepted file_offer.
// A transfer id already pending at either party is a protocol violation;
// silently overwriting the destination's entry would orphan its counterpart.
func (srv *Server) registerTransfer(id, filename string, size int64, source, dest *Session) (*fileTransfer, error) {
	tr := &fileTransfer{
		id:       id,
		filename: filename,
		size:     size,
		source:   source,
		dest:     dest,
	}

	source.mu.Lock()
	if _, exists := source.transfers[id]; exists {
		source.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate transfer id %q", ErrProtocolViolation, id)
	}
	source.transfers[id] = tr
	source.mu.Unlock()

	dest.mu.Lock()
	if _, exists := dest.transfers[id]; exists {
		dest.mu.Unlock()
		source.mu.Lock()
		delete(source.transfers, id)
		source.mu.Unlock()
		return nil, fmt.Errorf("%w: transfer id %q already pending at %s", ErrProtocolViolation, id, dest.username)
	}
	dest.transfers[id] = tr
	dest.mu.Unlock()

	tr.timer = time.AfterFunc(srv.cfg.TransferStallTimeout, func() {
		srv.breakTransfer(tr, "transfer stalled")
	})
	return tr, nil
}

// lookupTransfer finds a transfer by id among those the session is party to.
func (s *Session) lookupTransfer(id string) *fileTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[id]
}

// acceptChunk validates one chunk's sequence number. The relay requires
// sequences to be contiguous from zero; a gap means data was lost somewhere
// and the transfer cannot be trusted.
func (tr *fileTransfer) acceptChunk(seq uint64) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.done {
		return ErrTransferBroken
	}
	if seq != tr.nextSeq {
		return fmt.Errorf("%w: chunk %d arrived, expected %d", ErrTransferBroken, seq, tr.nextSeq)
	}
	tr.nextSeq++
	tr.chunks++
	if tr.timer != nil {
		tr.timer.Reset(tr.source.srv.cfg.TransferStallTimeout)
	}
	return nil
}

// finish marks the transfer settled and reports whether this caller won the
// race to do so. The stall timer, a gap, a completion, and a disconnect can
// all try to end a transfer; only the first takes effect.
func (tr *fileTransfer) finish() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.done {
		return false
	}
	tr.done = true
	if tr.timer != nil {
		tr.timer.Stop()
	}
	return true
}

// removeTransfer drops the entry from both parties' pending maps.
func removeTransfer(tr *fileTransfer) {
	tr.source.mu.Lock()
	delete(tr.source.transfers, tr.id)
	tr.source.mu.Unlock()

	tr.dest.mu.Lock()
	delete(tr.dest.transfers, tr.id)
	tr.dest.mu.Unlock()
}

// breakTransfer discards a transfer and notifies both ends. Used for
// sequence gaps, stalls, and counterpart disconnects.
func (srv *Server) breakTransfer(tr *fileTransfer, detail string) {
	if !tr.finish() {
		return
	}
	removeTransfer(tr)

	srv.log.Info("file transfer broken",
		"transfer", tr.id, "from", tr.source.username, "to", tr.dest.username, "detail", detail)

	detail = detail + " (transfer " + tr.id + ")"
	tr.source.sendError(protocol.CodeTransferBroken, detail)
	tr.dest.sendError(protocol.CodeTransferBroken, detail)
}

// completeTransfer settles a transfer cleanly after file_complete.
func (srv *Server) completeTransfer(tr *fileTransfer) {
	if !tr.finish() {
		return
	}
	removeTransfer(tr)
	srv.log.Info("file transfer complete",
		"transfer", tr.id, "from", tr.source.username, "to", tr.dest.username, "chunks", tr.chunks)
}
