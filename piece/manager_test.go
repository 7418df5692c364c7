package piece

import (
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type testMeta struct {
	lengths     []int
	hashes      [][]byte
	totalLength int
}

// newTestMeta derives a metadata snapshot from the wanted per-piece
// contents.
func newTestMeta(contents [][]byte) *testMeta {
	m := &testMeta{}
	for _, content := range contents {
		m.lengths = append(m.lengths, len(content))
		m.hashes = append(m.hashes, digest(content))
		m.totalLength += len(content)
	}
	return m
}

func (m *testMeta) TotalPieces() int                { return len(m.hashes) }
func (m *testMeta) PieceLength(pieceIndex int) int  { return m.lengths[pieceIndex] }
func (m *testMeta) PieceHash(pieceIndex int) []byte { return m.hashes[pieceIndex] }
func (m *testMeta) TotalLength() int                { return m.totalLength }

type mockSink struct {
	mock.Mock
}

func (m *mockSink) pieceCompleted(pieceIndex int, data []byte) {
	m.Called(pieceIndex, data)
}

func feedPiece(pm PieceManager, pieceIndex int, content []byte) {
	for offset := 0; offset < len(content); offset += BLOCK_SIZE {
		end := offset + BLOCK_SIZE
		if end > len(content) {
			end = len(content)
		}
		pm.AddPieceData(pieceIndex, offset, content[offset:end])
	}
}

func available(indices ...int) mapset.Set {
	s := mapset.NewSet()
	for _, i := range indices {
		s.Add(i)
	}
	return s
}

func TestAddPieceDataUnknownPiece(t *testing.T) {
	pm := NewPieceManager(newTestMeta([][]byte{fill(BLOCK_SIZE, 1)}))
	defer pm.Close()

	assert.False(t, pm.AddPieceData(7, 0, fill(BLOCK_SIZE, 1)))
}

func TestAddPieceDataDuplicateBlock(t *testing.T) {
	content := fill(2*BLOCK_SIZE, 1)
	pm := NewPieceManager(newTestMeta([][]byte{content}))
	defer pm.Close()

	assert.True(t, pm.AddPieceData(0, 0, content[:BLOCK_SIZE]))
	assert.False(t, pm.AddPieceData(0, 0, content[:BLOCK_SIZE]))
	assert.Equal(t, 0.0, pm.GetCompletionPercentage())
}

func TestAddPieceDataCompletedShortCircuit(t *testing.T) {
	content := fill(BLOCK_SIZE, 1)
	pm := NewPieceManager(newTestMeta([][]byte{content}))
	defer pm.Close()

	feedPiece(pm, 0, content)
	assert.True(t, pm.IsComplete())

	// late duplicate from a slow peer is acknowledged without touching state
	assert.True(t, pm.AddPieceData(0, 0, content))
	assert.True(t, pm.IsComplete())
}

func TestPieceVerifiedAndDelivered(t *testing.T) {
	contents := [][]byte{fill(2*BLOCK_SIZE, 1), fill(2*BLOCK_SIZE, 2)}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()

	sink := &mockSink{}
	sink.On("pieceCompleted", 1, contents[1]).Return().Once()
	delivered := make(chan int, 2)
	pm.OnPieceCompleted(func(pieceIndex int, data []byte) {
		sink.pieceCompleted(pieceIndex, data)
		delivered <- pieceIndex
	})

	feedPiece(pm, 1, contents[1])

	select {
	case pieceIndex := <-delivered:
		assert.Equal(t, 1, pieceIndex)
	case <-time.After(time.Second):
		t.Fatal("completion was never delivered")
	}

	assert.True(t, pm.GetCompletedPieces().Contains(1))
	assert.Equal(t, contents[1], pm.GetPieceData(1))
	assert.Nil(t, pm.GetPieceData(0))
	assert.Equal(t, 50.0, pm.GetCompletionPercentage())
	sink.AssertExpectations(t)
}

func TestVerificationFailureResetsPiece(t *testing.T) {
	content := fill(2*BLOCK_SIZE, 1)
	pm := NewPieceManager(newTestMeta([][]byte{content}))
	defer pm.Close()

	sink := &mockSink{}
	pm.OnPieceCompleted(sink.pieceCompleted)

	// feed bytes that cannot match the digest
	feedPiece(pm, 0, fill(2*BLOCK_SIZE, 9))

	assert.False(t, pm.IsComplete())
	assert.Nil(t, pm.GetPieceData(0))
	assert.Equal(t, 0, pm.GetCompletedPieces().Cardinality())

	// the piece is eligible for re-download from scratch
	req := pm.GetNextRequest(available(0))
	assert.NotNil(t, req)
	assert.Equal(t, 0, req.PieceIndex)
	assert.Equal(t, 0, req.Offset)

	sink.AssertNotCalled(t, "pieceCompleted", mock.Anything, mock.Anything)
}

func TestGetNextRequestMarksBlockRequested(t *testing.T) {
	pm := NewPieceManager(newTestMeta([][]byte{fill(2*BLOCK_SIZE, 1)}))
	defer pm.Close()

	first := pm.GetNextRequest(available(0))
	assert.NotNil(t, first)
	assert.Equal(t, BLOCK_SIZE, first.Length)

	second := pm.GetNextRequest(available(0))
	assert.NotNil(t, second)
	assert.NotEqual(t, first.Offset, second.Offset)

	// both blocks outstanding, nothing schedulable
	assert.Nil(t, pm.GetNextRequest(available(0)))
}

func TestGetNextRequestNoCandidates(t *testing.T) {
	content := fill(BLOCK_SIZE, 1)
	pm := NewPieceManager(newTestMeta([][]byte{content}))
	defer pm.Close()

	assert.Nil(t, pm.GetNextRequest(available()))
	assert.Nil(t, pm.GetNextRequest(available(4)))

	feedPiece(pm, 0, content)
	assert.Nil(t, pm.GetNextRequest(available(0)))
}

func TestGetNextRequestPrefersFewerMissingBlocks(t *testing.T) {
	contents := [][]byte{fill(5*BLOCK_SIZE, 1), fill(5*BLOCK_SIZE, 2)}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()

	// piece 1 down to a single missing block, piece 0 untouched
	for offset := 0; offset < 4*BLOCK_SIZE; offset += BLOCK_SIZE {
		pm.AddPieceData(1, offset, contents[1][offset:offset+BLOCK_SIZE])
	}

	req := pm.GetNextRequest(available(0, 1))
	assert.NotNil(t, req)
	assert.Equal(t, 1, req.PieceIndex)
	assert.Equal(t, 4*BLOCK_SIZE, req.Offset)
}

func TestGetNextRequestHighPriorityOverride(t *testing.T) {
	contents := [][]byte{fill(5*BLOCK_SIZE, 1), fill(5*BLOCK_SIZE, 2)}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()

	for offset := 0; offset < 4*BLOCK_SIZE; offset += BLOCK_SIZE {
		pm.AddPieceData(1, offset, contents[1][offset:offset+BLOCK_SIZE])
	}
	pm.SetHighPriorityPiece(0)

	// piece 0 has strictly more missing blocks but excludes piece 1 outright
	for i := 0; i < 5; i++ {
		req := pm.GetNextRequest(available(0, 1))
		assert.NotNil(t, req)
		assert.Equal(t, 0, req.PieceIndex)
	}
}

func TestGetNextRequestPriorityBreaksTies(t *testing.T) {
	contents := [][]byte{fill(2*BLOCK_SIZE, 1), fill(2*BLOCK_SIZE, 2), fill(2*BLOCK_SIZE, 3)}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()

	pm.SetPiecePriority(1, 9)
	pm.SetPiecePriority(2, 2)

	req := pm.GetNextRequest(available(0, 1, 2))
	assert.NotNil(t, req)
	assert.Equal(t, 1, req.PieceIndex)
}

func TestMarkBlockRequested(t *testing.T) {
	pm := NewPieceManager(newTestMeta([][]byte{fill(2*BLOCK_SIZE, 1)}))
	defer pm.Close()

	pm.MarkBlockRequested(0, 0)

	req := pm.GetNextRequest(available(0))
	assert.NotNil(t, req)
	assert.Equal(t, BLOCK_SIZE, req.Offset)

	// unknown piece is a no-op
	pm.MarkBlockRequested(9, 0)
}

func TestResetPieceRequests(t *testing.T) {
	pm := NewPieceManager(newTestMeta([][]byte{fill(2*BLOCK_SIZE, 1)}))
	defer pm.Close()

	pm.GetNextRequest(available(0))
	pm.GetNextRequest(available(0))
	assert.Nil(t, pm.GetNextRequest(available(0)))

	pm.ResetPieceRequests(0)

	req := pm.GetNextRequest(available(0))
	assert.NotNil(t, req)
	assert.Equal(t, 0, req.Offset)
}

func TestSetPiecePriorityValidation(t *testing.T) {
	pm := NewPieceManager(newTestMeta([][]byte{fill(BLOCK_SIZE, 1)}))
	defer pm.Close()
	m := pm.(*manager)

	pm.SetPiecePriority(0, 0)
	pm.SetPiecePriority(0, 11)
	assert.Equal(t, DEFAULT_PRIORITY, m.priority(0))

	pm.SetPiecePriority(0, 8)
	assert.Equal(t, 8, m.priority(0))
}

func TestSequentialDownloadPriorities(t *testing.T) {
	contents := make([][]byte, 100)
	for i := range contents {
		contents[i] = fill(10, byte(i))
	}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()
	m := pm.(*manager)

	pm.SetSequentialDownload(true)
	assert.Equal(t, 10, m.priority(0))
	assert.Equal(t, 9, m.priority(10))
	assert.Equal(t, 5, m.priority(50))
	assert.Equal(t, 1, m.priority(99))

	pm.SetSequentialDownload(false)
	assert.Equal(t, DEFAULT_PRIORITY, m.priority(0))
	assert.Equal(t, DEFAULT_PRIORITY, m.priority(99))
}

func TestSequentialDownloadSmallTorrent(t *testing.T) {
	contents := [][]byte{fill(10, 0), fill(10, 1), fill(10, 2), fill(10, 3)}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()
	m := pm.(*manager)

	// fewer than ten pieces: the bucket divisor clamps to one piece
	pm.SetSequentialDownload(true)
	assert.Equal(t, 10, m.priority(0))
	assert.Equal(t, 9, m.priority(1))
	assert.Equal(t, 8, m.priority(2))
	assert.Equal(t, 7, m.priority(3))
}

func TestGetBitField(t *testing.T) {
	contents := [][]byte{fill(BLOCK_SIZE, 1), fill(BLOCK_SIZE, 2)}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()

	assert.Equal(t, byte(0), pm.GetBitField()[0])

	feedPiece(pm, 0, contents[0])
	assert.Equal(t, byte(0x80), pm.GetBitField()[0])
}

func TestDownloadStatsAndEndToEnd(t *testing.T) {
	contents := make([][]byte, 4)
	for i := range contents {
		contents[i] = fill(2*BLOCK_SIZE, byte(i+1))
	}
	pm := NewPieceManager(newTestMeta(contents))
	defer pm.Close()

	feedPiece(pm, 2, contents[2])
	assert.False(t, pm.IsComplete())
	assert.Equal(t, 25.0, pm.GetCompletionPercentage())

	stats := pm.GetDownloadStats()
	assert.Equal(t, 4, stats.TotalPieces)
	assert.Equal(t, 1, stats.CompletedPieces)
	assert.Equal(t, 25.0, stats.CompletionPercentage)
	assert.Equal(t, 2*BLOCK_SIZE, stats.BytesDownloaded)
	assert.Equal(t, 8*BLOCK_SIZE, stats.TotalBytes)

	feedPiece(pm, 0, contents[0])
	feedPiece(pm, 1, contents[1])
	feedPiece(pm, 3, contents[3])

	assert.True(t, pm.IsComplete())
	assert.Equal(t, 100.0, pm.GetCompletionPercentage())

	stats = pm.GetDownloadStats()
	assert.Equal(t, 4, stats.CompletedPieces)
	assert.Equal(t, 8*BLOCK_SIZE, stats.BytesDownloaded)
}

func TestCompletionPercentageNoPieces(t *testing.T) {
	pm := NewPieceManager(newTestMeta(nil))
	defer pm.Close()

	assert.Equal(t, 0.0, pm.GetCompletionPercentage())
}
