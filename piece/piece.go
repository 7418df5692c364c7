package piece

import (
	"bytes"
	"crypto/sha1"
)

// Piece owns a gap-free partition of blocks covering its byte range and
// the buffer the blocks are assembled into. All blocks are BLOCK_SIZE
// bytes except possibly the last one.
type Piece struct {
	index     int
	length    int
	hash      []byte // 20-byte sha1 digest
	blocks    []*Block
	buf       []byte
	completed bool
	verified  bool
}

func newPiece(index, length int, hash []byte) *Piece {
	p := &Piece{
		index:  index,
		length: length,
		hash:   hash,
		buf:    make([]byte, length),
	}
	for offset := 0; offset < length; offset += BLOCK_SIZE {
		blockLength := BLOCK_SIZE
		if offset+blockLength > length {
			blockLength = length - offset
		}
		p.blocks = append(p.blocks, &Block{
			pieceIndex: index,
			offset:     offset,
			length:     blockLength,
		})
	}
	return p
}

// AddBlockData stores a block submission. The submission must exactly
// match the (offset, length) of one of the piece's blocks; misaligned
// or mis-sized data is a protocol violation by the remote peer and is
// rejected. A block that was already received is rejected without
// mutation. On the receipt that completes the piece, completed is set
// and the checksum is evaluated.
func (p *Piece) AddBlockData(offset int, data []byte) bool {
	if offset+len(data) > p.length {
		return false
	}
	for _, block := range p.blocks {
		if block.offset != offset || block.length != len(data) {
			continue
		}
		if block.state == blockReceived {
			return false
		}
		payload := make([]byte, len(data))
		copy(payload, data)
		block.markReceived(payload)
		copy(p.buf[offset:], data)

		if p.IsComplete() {
			p.completed = true
			p.verified = p.Verify()
		}
		return true
	}
	return false
}

// IsComplete reports whether every block has been received.
func (p *Piece) IsComplete() bool {
	for _, block := range p.blocks {
		if block.state != blockReceived {
			return false
		}
	}
	return true
}

// Verify checks the assembled buffer against the expected digest. It is
// only meaningful once the piece is completed.
func (p *Piece) Verify() bool {
	if !p.completed {
		return false
	}
	checksum := sha1.Sum(p.buf)
	return bytes.Equal(checksum[:], p.hash)
}

// GetMissingBlocks returns the blocks still to be requested, in
// partition order.
func (p *Piece) GetMissingBlocks() []*Block {
	missing := make([]*Block, 0)
	for _, block := range p.blocks {
		if block.state == blockMissing {
			missing = append(missing, block)
		}
	}
	return missing
}

// GetRequestedBlocks returns the blocks with an outstanding request.
func (p *Piece) GetRequestedBlocks() []*Block {
	requested := make([]*Block, 0)
	for _, block := range p.blocks {
		if block.state == blockRequested {
			requested = append(requested, block)
		}
	}
	return requested
}

// ResetBlockRequests forces every non-received block back to missing,
// making outstanding requests eligible for reassignment after a peer
// stalls or disconnects.
func (p *Piece) ResetBlockRequests() {
	for _, block := range p.blocks {
		if block.state == blockRequested {
			block.state = blockMissing
		}
	}
}

// reset reverts the piece to its initial state after a failed
// verification so it can be downloaded again.
func (p *Piece) reset() {
	for _, block := range p.blocks {
		block.reset()
	}
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.completed = false
	p.verified = false
}
