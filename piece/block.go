package piece

var (
	BLOCK_SIZE = 16384 // 2^14
)

type blockState int

const (
	blockMissing blockState = iota
	blockRequested
	blockReceived
)

// Block is a sub-range of a piece, the unit actually requested from a
// peer. Its (offset, length) shape is fixed at creation; only the state
// moves. The payload exists exactly when the state is blockReceived.
type Block struct {
	pieceIndex int
	offset     int
	length     int
	state      blockState
	payload    []byte
}

func (b *Block) PieceIndex() int {
	return b.pieceIndex
}

func (b *Block) Offset() int {
	return b.offset
}

func (b *Block) Length() int {
	return b.length
}

func (b *Block) markReceived(payload []byte) {
	b.state = blockReceived
	b.payload = payload
}

func (b *Block) reset() {
	b.state = blockMissing
	b.payload = nil
}
