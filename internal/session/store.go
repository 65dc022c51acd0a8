// Package session holds the observable state of the current recording.
package session

import (
	"sync"
	"time"

	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/google/uuid"
)

// Snapshot is a value copy of the recording state.
type Snapshot struct {
	SessionID            string                `json:"session_id,omitempty"`
	IsRecording          bool                  `json:"is_recording"`
	IsPaused             bool                  `json:"is_paused"`
	FrameCount           int                   `json:"frame_count"`
	Duration             time.Duration         `json:"duration"`
	EstimatedSizeBytes   int64                 `json:"estimated_size_bytes"`
	IsSaving             bool                  `json:"is_saving"`
	SaveProgressPercent  int                   `json:"save_progress_percent"`
	ActiveCaptureMethod  string                `json:"active_capture_method,omitempty"`
	CaptureMethodDetails string                `json:"capture_method_details,omitempty"`
	OutputFormat         settings.OutputFormat `json:"output_format,omitempty"`

	LastSavedFilePath string `json:"last_saved_file_path,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Store has one writer (the recorder) and any number of readers.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	subs map[chan Snapshot]struct{}
}

func NewStore() *Store {
	return &Store{subs: make(map[chan Snapshot]struct{})}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Update applies fn to the state and publishes the result. The recording
// and saving flags are kept mutually exclusive, save progress is zero when
// not saving, and the frame count never goes backwards within a session.
func (s *Store) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	prev := s.snap
	next := prev
	fn(&next)

	if next.IsSaving {
		next.IsRecording = false
		next.IsPaused = false
	}
	if !next.IsRecording {
		next.IsPaused = false
	}
	if !next.IsSaving {
		next.SaveProgressPercent = 0
	}
	next.SaveProgressPercent = clamp(next.SaveProgressPercent, 0, 100)
	if next.SessionID == prev.SessionID && next.FrameCount < prev.FrameCount {
		next.FrameCount = prev.FrameCount
	}
	if next.Duration < 0 {
		next.Duration = 0
	}
	if next.EstimatedSizeBytes < 0 {
		next.EstimatedSizeBytes = 0
	}

	s.snap = next
	s.publishLocked(next)
	s.mu.Unlock()
	return next
}

// Begin starts a fresh session and returns its ID.
func (s *Store) Begin(format settings.OutputFormat, method string) Snapshot {
	id := uuid.NewString()
	return s.replace(Snapshot{
		SessionID:           id,
		IsRecording:         true,
		OutputFormat:        format,
		ActiveCaptureMethod: method,
	})
}

// Reset returns to idle, keeping the last saved path and last error.
func (s *Store) Reset() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		LastSavedFilePath: s.snap.LastSavedFilePath,
		LastErrorMessage:  s.snap.LastErrorMessage,
	}
	s.publishLocked(s.snap)
	return s.snap
}

func (s *Store) ClearLastError() Snapshot {
	return s.Update(func(snap *Snapshot) { snap.LastErrorMessage = "" })
}

func (s *Store) replace(snap Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.publishLocked(snap)
	return snap
}

// Subscribe returns a channel of snapshots. Slow readers only ever see the
// newest snapshot; publishing never blocks. Call the returned func to
// unsubscribe.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.snap
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) publishLocked(snap Snapshot) {
	for ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Drop the stale value and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
