package piece

import (
	"sort"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

const (
	MIN_PRIORITY     = 1
	DEFAULT_PRIORITY = 5
	MAX_PRIORITY     = 10
)

// Metadata is the snapshot of the torrent metainfo the manager is
// built from.
type Metadata interface {
	TotalPieces() int
	PieceLength(pieceIndex int) int
	PieceHash(pieceIndex int) []byte
	TotalLength() int
}

// BlockRequest identifies a block for a peer wire request.
type BlockRequest struct {
	PieceIndex int
	Offset     int
	Length     int
}

// DownloadStats is a point-in-time snapshot of download progress.
type DownloadStats struct {
	TotalPieces          int
	CompletedPieces      int
	CompletionPercentage float64
	BytesDownloaded      int
	TotalBytes           int
}

type PieceManager interface {
	AddPieceData(pieceIndex, offset int, data []byte) bool
	GetNextRequest(availablePieces mapset.Set) *BlockRequest
	MarkBlockRequested(pieceIndex, offset int)
	ResetPieceRequests(pieceIndex int)
	IsComplete() bool
	GetCompletionPercentage() float64
	GetPieceData(pieceIndex int) []byte
	GetCompletedPieces() mapset.Set
	GetBitField() []byte
	SetPiecePriority(pieceIndex, priority int)
	SetHighPriorityPiece(pieceIndex int)
	SetSequentialDownload(enable bool)
	SetDownloadRateLimit(bytesPerSecond int)
	CheckRateLimit(n int) bool
	UpdateRateStats(n int)
	GetDownloadStats() DownloadStats
	OnPieceCompleted(fn func(pieceIndex int, data []byte))
	Close()
}

type completionEvent struct {
	pieceIndex int
	data       []byte
}

// manager owns every piece of the download. One mutex guards all of its
// state; every public operation holds it for its full duration, so
// selection and ingestion are atomic with respect to each other across
// peer goroutines.
type manager struct {
	sync.Mutex
	meta           Metadata
	pieces         map[int]*Piece
	completed      mapset.Set
	clientBitField bitmap.Bitmap
	priorities     map[int]int
	highPriority   mapset.Set
	limiter        *rateLimiter
	onCompleted    func(pieceIndex int, data []byte)

	// Verified pieces are handed off through this channel and delivered
	// by a separate goroutine, never under the mutex. A callback that
	// re-enters the manager therefore cannot deadlock. Capacity equals
	// the piece count and each piece is enqueued at most once, so the
	// send never blocks.
	events chan completionEvent
	quit   chan int
}

func NewPieceManager(meta Metadata) PieceManager {
	pm := &manager{
		meta:           meta,
		pieces:         make(map[int]*Piece),
		completed:      mapset.NewSet(),
		clientBitField: bitmap.New(meta.TotalPieces()),
		priorities:     make(map[int]int),
		highPriority:   mapset.NewSet(),
		limiter:        newRateLimiter(),
		events:         make(chan completionEvent, meta.TotalPieces()),
		quit:           make(chan int),
	}

	log.Debugf("initializing %d pieces", meta.TotalPieces())
	for i := 0; i < meta.TotalPieces(); i++ {
		pm.pieces[i] = newPiece(i, meta.PieceLength(i), meta.PieceHash(i))
	}

	go pm.deliverCompletions()
	return pm
}

func (pm *manager) deliverCompletions() {
	for {
		select {
		case ev := <-pm.events:
			pm.Lock()
			fn := pm.onCompleted
			pm.Unlock()
			if fn != nil {
				fn(ev.pieceIndex, ev.data)
			}
		case <-pm.quit:
			return
		}
	}
}

// OnPieceCompleted registers the sink for verified pieces. Each
// verified piece is delivered exactly once, outside the manager's lock.
func (pm *manager) OnPieceCompleted(fn func(pieceIndex int, data []byte)) {
	pm.Lock()
	defer pm.Unlock()

	pm.onCompleted = fn
}

// Close stops completion delivery.
func (pm *manager) Close() {
	close(pm.quit)
}

// AddPieceData ingests block bytes received from a peer. Bytes for an
// unknown piece are dropped. Bytes for an already-completed piece are
// acknowledged without touching block state, since slow or redundant
// peers routinely deliver late duplicates. If the submission completes
// the piece, the checksum decides between handing the piece off and
// resetting it for re-download.
func (pm *manager) AddPieceData(pieceIndex, offset int, data []byte) bool {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.pieces[pieceIndex]
	if !ok {
		return false
	}
	if pm.completed.Contains(pieceIndex) {
		return true
	}

	stored := p.AddBlockData(offset, data)
	if stored && p.completed {
		if p.verified {
			log.Debugf("piece %d completed and verified", pieceIndex)
			pm.completed.Add(pieceIndex)
			pm.clientBitField.Set(pieceIndex, true)
			assembled := make([]byte, p.length)
			copy(assembled, p.buf)
			pm.events <- completionEvent{pieceIndex: pieceIndex, data: assembled}
		} else {
			log.Warnf("piece %d failed verification, resetting for re-download", pieceIndex)
			p.reset()
		}
	}
	return stored
}

func (pm *manager) priority(pieceIndex int) int {
	if priority, ok := pm.priorities[pieceIndex]; ok {
		return priority
	}
	return DEFAULT_PRIORITY
}

// GetNextRequest picks the next block to request from a peer holding
// the given pieces, marks it requested and returns it. Candidates are
// the peer's pieces we track and haven't completed. A non-empty
// intersection with the high-priority set restricts selection to
// exactly that subset. Pieces closest to completion win; explicit
// priority only breaks ties between pieces with an equal number of
// missing blocks. Nil means nothing is schedulable right now.
func (pm *manager) GetNextRequest(availablePieces mapset.Set) *BlockRequest {
	pm.Lock()
	defer pm.Unlock()

	candidates := make([]int, 0)
	for _, v := range availablePieces.ToSlice() {
		pieceIndex, ok := v.(int)
		if !ok {
			continue
		}
		if _, tracked := pm.pieces[pieceIndex]; tracked && !pm.completed.Contains(pieceIndex) {
			candidates = append(candidates, pieceIndex)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	high := make([]int, 0)
	for _, pieceIndex := range candidates {
		if pm.highPriority.Contains(pieceIndex) {
			high = append(high, pieceIndex)
		}
	}
	if len(high) > 0 {
		candidates = high
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		mi := len(pm.pieces[candidates[i]].GetMissingBlocks())
		mj := len(pm.pieces[candidates[j]].GetMissingBlocks())
		if mi != mj {
			return mi < mj
		}
		return pm.priority(candidates[i]) > pm.priority(candidates[j])
	})

	for _, pieceIndex := range candidates {
		missing := pm.pieces[pieceIndex].GetMissingBlocks()
		if len(missing) > 0 {
			block := missing[0]
			block.state = blockRequested
			return &BlockRequest{
				PieceIndex: pieceIndex,
				Offset:     block.offset,
				Length:     block.length,
			}
		}
	}
	return nil
}

// MarkBlockRequested flags the block at the given offset as requested,
// for requests issued outside GetNextRequest.
func (pm *manager) MarkBlockRequested(pieceIndex, offset int) {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.pieces[pieceIndex]
	if !ok {
		return
	}
	for _, block := range p.blocks {
		if block.offset == offset {
			if block.state == blockMissing {
				block.state = blockRequested
			}
			break
		}
	}
}

// ResetPieceRequests clears the piece's outstanding requests so another
// peer can pick them up.
func (pm *manager) ResetPieceRequests(pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	if p, ok := pm.pieces[pieceIndex]; ok {
		p.ResetBlockRequests()
	}
}

func (pm *manager) IsComplete() bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.completed.Cardinality() == len(pm.pieces)
}

func (pm *manager) GetCompletionPercentage() float64 {
	pm.Lock()
	defer pm.Unlock()

	return pm.completionPercentage()
}

func (pm *manager) completionPercentage() float64 {
	if len(pm.pieces) == 0 {
		return 0.0
	}
	return float64(pm.completed.Cardinality()) / float64(len(pm.pieces)) * 100.0
}

// GetPieceData returns a copy of the assembled bytes of a completed
// piece, nil otherwise.
func (pm *manager) GetPieceData(pieceIndex int) []byte {
	pm.Lock()
	defer pm.Unlock()

	if !pm.completed.Contains(pieceIndex) {
		return nil
	}
	p := pm.pieces[pieceIndex]
	data := make([]byte, p.length)
	copy(data, p.buf)
	return data
}

func (pm *manager) GetCompletedPieces() mapset.Set {
	pm.Lock()
	defer pm.Unlock()

	return pm.completed.Clone()
}

// GetBitField returns the byte bitfield of completed pieces, suitable
// for advertising to peers.
func (pm *manager) GetBitField() []byte {
	pm.Lock()
	defer pm.Unlock()

	return pm.clientBitField.Data(true)
}

// SetPiecePriority sets an explicit priority between MIN_PRIORITY and
// MAX_PRIORITY; anything else is ignored.
func (pm *manager) SetPiecePriority(pieceIndex, priority int) {
	pm.Lock()
	defer pm.Unlock()

	pm.setPiecePriority(pieceIndex, priority)
}

func (pm *manager) setPiecePriority(pieceIndex, priority int) {
	if priority >= MIN_PRIORITY && priority <= MAX_PRIORITY {
		pm.priorities[pieceIndex] = priority
	}
}

// SetHighPriorityPiece adds the piece to the hard-override set.
func (pm *manager) SetHighPriorityPiece(pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	pm.highPriority.Add(pieceIndex)
}

// SetSequentialDownload biases selection towards low indices by
// assigning priorities per decile bucket, for streaming-style linear
// consumption. The bucket width is clamped to at least one piece and
// the computed priority to at least MIN_PRIORITY, so small torrents
// still get a monotone early-index bias. Disabling clears every
// explicit priority back to the default.
func (pm *manager) SetSequentialDownload(enable bool) {
	pm.Lock()
	defer pm.Unlock()

	if !enable {
		pm.priorities = make(map[int]int)
		return
	}
	bucket := len(pm.pieces) / 10
	if bucket < 1 {
		bucket = 1
	}
	for i := 0; i < len(pm.pieces); i++ {
		priority := MAX_PRIORITY - i/bucket
		if priority < MIN_PRIORITY {
			priority = MIN_PRIORITY
		}
		pm.setPiecePriority(i, priority)
	}
}

// SetDownloadRateLimit overrides the default download budget.
func (pm *manager) SetDownloadRateLimit(bytesPerSecond int) {
	pm.Lock()
	defer pm.Unlock()

	pm.limiter.limit = bytesPerSecond
}

// CheckRateLimit reports whether n more bytes fit in the current rate
// budget.
func (pm *manager) CheckRateLimit(n int) bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.limiter.check(n)
}

// UpdateRateStats records n downloaded bytes.
func (pm *manager) UpdateRateStats(n int) {
	pm.Lock()
	defer pm.Unlock()

	pm.limiter.update(n)
}

func (pm *manager) GetDownloadStats() DownloadStats {
	pm.Lock()
	defer pm.Unlock()

	bytesDownloaded := 0
	for _, v := range pm.completed.ToSlice() {
		bytesDownloaded += pm.pieces[v.(int)].length
	}
	return DownloadStats{
		TotalPieces:          len(pm.pieces),
		CompletedPieces:      pm.completed.Cardinality(),
		CompletionPercentage: pm.completionPercentage(),
		BytesDownloaded:      bytesDownloaded,
		TotalBytes:           pm.meta.TotalLength(),
	}
}
