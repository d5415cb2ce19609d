package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"saltdetect/internal/config"
	"saltdetect/internal/dto"
	"saltdetect/internal/logger"
)

const timestampLayout = "2006-01-02_15-04-05.000"

// BufferService keeps evidence frames (frames with impure crystals in the ROI) in memory
// and periodically flushes them to disk.
type BufferService struct {
	imagesDir     string
	limit         int
	flushInterval time.Duration
	frames        []dto.BufferedFrame
	bufferCount   map[string]int
	mu            sync.Mutex
	logger        *logger.Logger
}

// NewBufferService creates a new BufferService with the target directory and logger.
func NewBufferService(config *config.Config, logger *logger.Logger) *BufferService {
	interval := time.Duration(config.ImageBufferFlushInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BufferService{
		imagesDir:     config.ImageDirectory,
		limit:         config.ImageBufferLimit,
		flushInterval: interval,
		frames:        make([]dto.BufferedFrame, 0),
		bufferCount:   make(map[string]int),
		logger:        logger,
	}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (s *BufferService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.FlushFrames()
		case <-ctx.Done():
			s.FlushFrames()
			return
		}
	}
}

// AddFrame buffers a frame for a session unless that session already reached the limit.
func (s *BufferService) AddFrame(sessionID string, batchNumber, impureCount int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bufferCount[sessionID] >= s.limit {
		return
	}

	s.frames = append(s.frames, dto.BufferedFrame{
		Timestamp:   time.Now(),
		SessionID:   sessionID,
		BatchNumber: batchNumber,
		ImpureCount: impureCount,
		Data:        data,
	})
	s.bufferCount[sessionID]++
	s.logger.Debug("Evidence buffer for session %s: %d/%d", sessionID, s.bufferCount[sessionID], s.limit)
}

// FlushFrames writes buffered frames to disk and resets the buffer and per-session counters.
// It returns the number of files written.
func (s *BufferService) FlushFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return 0
	}

	if err := os.MkdirAll(s.imagesDir, 0755); err != nil {
		s.logger.Error("Error creating directory: %v", err)
		return 0
	}

	savedCount := 0
	for i, frame := range s.frames {
		filename := fmt.Sprintf("%s_%s_b%d_impure%d_%03d.jpg",
			frame.Timestamp.Format(timestampLayout), frame.SessionID, frame.BatchNumber, frame.ImpureCount, i)

		if err := os.WriteFile(filepath.Join(s.imagesDir, filename), frame.Data, 0644); err != nil {
			s.logger.Error("Error saving evidence frame %s: %v", filename, err)
			continue
		}
		savedCount++
	}

	s.logger.Info("Flushed %d evidence frames to disk", savedCount)
	s.frames = s.frames[:0]
	s.bufferCount = make(map[string]int)
	return savedCount
}
