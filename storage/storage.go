package storage

import (
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()

// Storage persists verified pieces and serves block reads for seeding.
type Storage interface {
	WritePiece(pieceIndex int, data []byte) (err error)
	ReadBlock(pieceIndex, offset, length int) (blockData []byte, err error)
	Close() error
}
