package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mmd-mahdi/BitTorrent-client/torrent"
	"github.com/spf13/afero"
)

// fileSpan is one on-disk file together with the absolute byte range it
// covers within the torrent content.
type fileSpan struct {
	file   afero.File
	lock   sync.Mutex
	start  int
	length int
}

type randomAccessStorage struct {
	torrent *torrent.Torrent
	spans   []*fileSpan
}

func NewRandomAccessStorage(tor *torrent.Torrent) (Storage, error) {
	s := &randomAccessStorage{torrent: tor}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func openOrCreateFile(path string) (afero.File, error) {
	return appFS.OpenFile(path, os.O_CREATE|os.O_RDWR, 0755)
}

func (s *randomAccessStorage) init() error {
	info := s.torrent.MetaInfo.Info
	if len(info.Files) > 0 {
		// Multiple File Mode
		start := 0
		for _, file := range info.Files {
			subdir := strings.Join(append([]string{info.Name}, file.Path[:len(file.Path)-1]...), "/")
			if err := appFS.MkdirAll(subdir, 0755); err != nil {
				return err
			}
			path := strings.Join(append([]string{info.Name}, file.Path...), "/")
			f, err := openOrCreateFile(path)
			if err != nil {
				return err
			}
			s.spans = append(s.spans, &fileSpan{file: f, start: start, length: file.Length})
			start += file.Length
		}
	} else {
		// Single File Mode
		f, err := openOrCreateFile(info.Name)
		if err != nil {
			return err
		}
		s.spans = append(s.spans, &fileSpan{file: f, start: 0, length: info.Length})
	}
	return nil
}

// WritePiece writes an assembled piece at its absolute offset,
// splitting it across file boundaries in multi-file mode.
func (s *randomAccessStorage) WritePiece(pieceIndex int, data []byte) error {
	offset := pieceIndex * s.torrent.MetaInfo.Info.PieceLength
	for _, span := range s.spans {
		if len(data) == 0 {
			break
		}
		if offset >= span.start+span.length {
			continue
		}
		fileOffset := offset - span.start
		writeLen := span.length - fileOffset
		if writeLen > len(data) {
			writeLen = len(data)
		}
		span.lock.Lock()
		_, err := span.file.WriteAt(data[:writeLen], int64(fileOffset))
		span.lock.Unlock()
		if err != nil {
			return err
		}
		data = data[writeLen:]
		offset += writeLen
	}
	if len(data) > 0 {
		return fmt.Errorf("piece %d exceeds torrent length", pieceIndex)
	}
	return nil
}

// ReadBlock reads length bytes starting at the block offset within a
// piece, crossing file boundaries as needed.
func (s *randomAccessStorage) ReadBlock(pieceIndex, offset, length int) ([]byte, error) {
	abs := pieceIndex*s.torrent.MetaInfo.Info.PieceLength + offset
	blockData := make([]byte, 0, length)
	for _, span := range s.spans {
		if length == 0 {
			break
		}
		if abs >= span.start+span.length {
			continue
		}
		fileOffset := abs - span.start
		readLen := span.length - fileOffset
		if readLen > length {
			readLen = length
		}
		data := make([]byte, readLen)
		span.lock.Lock()
		_, err := span.file.ReadAt(data, int64(fileOffset))
		span.lock.Unlock()
		if err != nil {
			return nil, err
		}
		blockData = append(blockData, data...)
		abs += readLen
		length -= readLen
	}
	if length > 0 {
		return nil, fmt.Errorf("block read past torrent length")
	}
	return blockData, nil
}

func (s *randomAccessStorage) Close() error {
	for _, span := range s.spans {
		if err := span.file.Close(); err != nil {
			return err
		}
	}
	return nil
}
