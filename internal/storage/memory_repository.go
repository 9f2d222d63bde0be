package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"livecast/internal/livestream"
)

type memoryStream struct {
	def       livestream.StreamDefinition
	videoID   int64
	startedAt *int64
}

// MemoryRepository keeps everything in process memory. It backs the
// "memory" driver used for development and tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	videos     map[int64]string
	streams    map[int64]*memoryStream
	history    []livestream.HistoryRecord
	nextVideo  int64
	nextStream int64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		videos:  make(map[int64]string),
		streams: make(map[int64]*memoryStream),
	}
}

func (r *MemoryRepository) StreamDefinition(_ context.Context, id int64) (livestream.StreamDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, ok := r.streams[id]
	if !ok {
		return livestream.StreamDefinition{}, livestream.ErrStreamNotFound
	}
	def := stream.def
	def.VideoFile = r.videos[stream.videoID]
	def.ScheduleStart = copyInt64(def.ScheduleStart)
	def.ScheduleEnd = copyInt64(def.ScheduleEnd)
	return def, nil
}

func (r *MemoryRepository) StreamOwner(_ context.Context, id int64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, ok := r.streams[id]
	if !ok {
		return "", livestream.ErrStreamNotFound
	}
	return stream.def.Owner, nil
}

func (r *MemoryRepository) SetActualStart(_ context.Context, id int64, startedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok {
		stream.startedAt = &startedAt
	}
	return nil
}

func (r *MemoryRepository) ClearSchedule(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok {
		stream.def.ScheduleStart = nil
		stream.def.ScheduleEnd = nil
	}
	return nil
}

func (r *MemoryRepository) InsertHistory(_ context.Context, record livestream.HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, record)
	return nil
}

func (r *MemoryRepository) SaveVideo(_ context.Context, file string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextVideo++
	r.videos[r.nextVideo] = file
	return r.nextVideo, nil
}

func (r *MemoryRepository) SaveStream(_ context.Context, stream Stream) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.videos[stream.VideoID]; !ok {
		return 0, persistenceError("save stream", fmt.Errorf("video %d does not exist", stream.VideoID))
	}
	def := stream.Definition
	if def.ID == 0 {
		r.nextStream++
		def.ID = r.nextStream
	} else if def.ID > r.nextStream {
		r.nextStream = def.ID
	}
	def.ScheduleStart = copyInt64(def.ScheduleStart)
	def.ScheduleEnd = copyInt64(def.ScheduleEnd)
	r.streams[def.ID] = &memoryStream{def: def, videoID: stream.VideoID}
	return def.ID, nil
}

func (r *MemoryRepository) ListHistory(_ context.Context, owner string, limit int) ([]livestream.HistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]livestream.HistoryRecord, 0)
	// Walk backwards so ties on end_time keep most-recent-insert first.
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Owner == owner {
			records = append(records, r.history[i])
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].EndTime > records[j].EndTime })
	if max := normalizeLimit(limit); len(records) > max {
		records = records[:max]
	}
	return records, nil
}

// ActualStart reports the recorded start time of a stream.
func (r *MemoryRepository) ActualStart(id int64) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, ok := r.streams[id]
	if !ok || stream.startedAt == nil {
		return 0, false
	}
	return *stream.startedAt, true
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close(context.Context) error { return nil }

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
