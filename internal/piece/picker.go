// Package piece implements the piece-picker selection policy: choosing
// which piece to download next while never handing out the same piece to
// two concurrent requesters (spec §4.3).
package piece

import (
	"fmt"
	"sync"

	"github.com/emberbt/ember/internal/bitfield"
)

// Index identifies a piece, 0 <= Index < piece_count.
type Index = int

// meta is the picker's per-piece bookkeeping (spec §3's PieceMeta).
type meta struct {
	frequency uint32
	isPending bool
}

// Picker selects the next piece to download and tracks swarm-wide piece
// availability. A Picker belongs to exactly one torrent actor. Every method
// takes the Picker's mutex, so calls from several goroutines are safe: the
// torrent actor calls it from its command loop and from its peer sessions'
// handler callbacks.
type Picker struct {
	mu sync.Mutex

	ownPieces   bitfield.Bitfield
	pieces      []meta
	missingCnt  int
	freeCnt     int
	pieceCount  int
}

// New builds a Picker for a torrent with the given own_pieces bitfield.
// Panics if ownPieces declares zero pieces.
func New(ownPieces bitfield.Bitfield) *Picker {
	if ownPieces.Len() == 0 {
		panic("piece: piece count must be greater than zero")
	}

	n := ownPieces.Len()
	missing := ownPieces.CountZeros()

	return &Picker{
		ownPieces:  ownPieces.Clone(),
		pieces:     make([]meta, n),
		missingCnt: missing,
		freeCnt:    missing,
		pieceCount: n,
	}
}

// OwnPieces returns the bitfield of pieces we currently have.
func (p *Picker) OwnPieces() bitfield.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ownPieces.Clone()
}

// MissingPieceCount returns the number of pieces still needed to complete
// the download.
func (p *Picker) MissingPieceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missingCnt
}

// AllPiecesPicked reports whether every piece has been picked, whether
// pending or already received (spec §4.3: free_count == 0).
func (p *Picker) AllPiecesPicked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCnt == 0
}

// PickPiece returns the smallest index we don't have, that at least one
// peer advertises, and that isn't already being downloaded. Marks the
// piece pending and returns ok=false if no candidate exists.
//
// Selection is sequential-first, per spec §4.3's stated external contract;
// an implementation may refine this to rarest-first without changing the
// contract observed by callers.
func (p *Picker) PickPiece() (idx Index, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.pieceCount; i++ {
		pc := &p.pieces[i]
		if !p.ownPieces.Has(i) && pc.frequency > 0 && !pc.isPending {
			pc.isPending = true
			p.freeCnt--
			return i, true
		}
	}
	return 0, false
}

// RegisterPeerPieces increments the frequency of every piece set in
// bitfield and reports whether the peer has at least one piece we lack.
// Panics if bitfield's declared length differs from ours.
func (p *Picker) RegisterPeerPieces(bf bitfield.Bitfield) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bf.Len() != p.pieceCount {
		panic(fmt.Sprintf("piece: peer bitfield length %d != piece count %d", bf.Len(), p.pieceCount))
	}

	interested := false
	for i := 0; i < p.pieceCount; i++ {
		if !bf.Has(i) {
			continue
		}
		p.pieces[i].frequency = saturatingAdd(p.pieces[i].frequency)
		if !p.ownPieces.Has(i) {
			interested = true
		}
	}
	return interested
}

// RegisterPeerPiece increments the availability of a single piece,
// announced via a Have message. Returns true if we don't yet own the
// piece. Panics if index is out of range.
func (p *Picker) RegisterPeerPiece(index Index) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= p.pieceCount {
		panic(fmt.Sprintf("piece: index %d out of range [0,%d)", index, p.pieceCount))
	}

	have := p.ownPieces.Has(index)
	p.pieces[index].frequency = saturatingAdd(p.pieces[index].frequency)
	return !have
}

// ReceivedPiece records that piece index has been downloaded and verified.
// Clears its pending flag and decrements missing/free counts as
// appropriate. Panics if we already own the piece (spec §4.3 invariant).
func (p *Picker) ReceivedPiece(index Index) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= p.pieceCount {
		panic(fmt.Sprintf("piece: index %d out of range [0,%d)", index, p.pieceCount))
	}
	if p.ownPieces.Has(index) {
		panic(fmt.Sprintf("piece: piece %d already received", index))
	}

	p.ownPieces.Set(index)
	p.missingCnt--

	pc := &p.pieces[index]
	if !pc.isPending {
		// Received without having been picked first (e.g. from a peer that
		// raced the picker); still counts against free_count.
		p.freeCnt--
	}
	pc.isPending = false
}

// ClearPending clears the pending flag for index without marking it
// received — used when a piece fails hash verification (spec §4.4/§7:
// HashMismatch discards the piece and makes it eligible for re-pick).
func (p *Picker) ClearPending(index Index) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= p.pieceCount {
		panic(fmt.Sprintf("piece: index %d out of range [0,%d)", index, p.pieceCount))
	}

	pc := &p.pieces[index]
	if pc.isPending {
		pc.isPending = false
		p.freeCnt++
	}
}

func saturatingAdd(f uint32) uint32 {
	if f == ^uint32(0) {
		return f
	}
	return f + 1
}
