package download

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mmd-mahdi/BitTorrent-client/piece"
	"github.com/mmd-mahdi/BitTorrent-client/storage"
	"github.com/mmd-mahdi/BitTorrent-client/torrent"
)

var log = logrus.New()

type Download interface {
	Start(path string) error
	Stop()
	PieceManager() piece.PieceManager
}

type download struct {
	pieceMgr piece.PieceManager
	storage  storage.Storage
}

func NewDownload() Download {
	return &download{}
}

// Start parses the torrent file at path and wires the piece manager to
// persistent storage; verified pieces flow to disk through the
// manager's completion events.
func (d *download) Start(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	t, err := torrent.NewTorrent(f)
	if err != nil {
		return err
	}

	st, err := storage.NewRandomAccessStorage(t)
	if err != nil {
		return err
	}
	d.storage = st

	pieceMgr := piece.NewPieceManager(t)
	pieceMgr.OnPieceCompleted(func(pieceIndex int, data []byte) {
		if err := st.WritePiece(pieceIndex, data); err != nil {
			log.Errorf("writing piece %d: %v", pieceIndex, err)
		}
	})
	d.pieceMgr = pieceMgr

	log.Infof("download session started, %d pieces, %d bytes", t.TotalPieces(), t.TotalLength())
	return nil
}

// Stop tears the session down.
func (d *download) Stop() {
	if d.pieceMgr != nil {
		d.pieceMgr.Close()
	}
	if d.storage != nil {
		if err := d.storage.Close(); err != nil {
			log.Errorf("closing storage: %v", err)
		}
	}
	log.Infoln("download session stopped")
}

// PieceManager exposes the session's piece manager so peer sessions can
// drive selection and ingestion.
func (d *download) PieceManager() piece.PieceManager {
	return d.pieceMgr
}
