// Package framesink tracks the frame files backends drop into a session
// directory.
package framesink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/fsnotify/fsnotify"
)

// Frame is one captured JPEG on disk.
type Frame struct {
	Index int
	Path  string
	Size  int64
}

// Sink is the ordered, append-only list of frames seen in a directory.
// Frames are never removed from the list, even if the file disappears.
type Sink struct {
	dir string

	mu     sync.Mutex
	frames []Frame
	seen   map[string]struct{}
	bytes  int64
	next   int
}

func New(dir string) *Sink {
	return &Sink{
		dir:  dir,
		seen: make(map[string]struct{}),
	}
}

// Poll lists the directory and appends frames not seen before, in
// lexical (capture) order. It returns the newly seen frames.
func (s *Sink) Poll() ([]Frame, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames in %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := capture.ParseFrameIndex(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []Frame
	for _, name := range names {
		if _, ok := s.seen[name]; ok {
			continue
		}
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			// Removed between ReadDir and Stat; pick it up next time if it returns.
			continue
		}
		idx, _ := capture.ParseFrameIndex(name)
		f := Frame{Index: idx, Path: path, Size: info.Size()}

		s.seen[name] = struct{}{}
		s.frames = append(s.frames, f)
		s.bytes += f.Size
		if idx+1 > s.next {
			s.next = idx + 1
		}
		added = append(added, f)
	}
	return added, nil
}

// Paths returns the tracked frame paths in capture order.
func (s *Sink) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Path
	}
	return out
}

func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Sink) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// NextIndex is the index the next backend should start numbering from.
func (s *Sink) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Watch returns a channel that receives a value whenever a file is created
// or renamed into the directory. Wake-ups are coalesced. It returns nil if
// no watcher can be created; callers must keep polling on a timer anyway.
func (s *Sink) Watch(ctx context.Context) <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("fsnotify not available, relying on polling", "error", err)
		return nil
	}
	if err := watcher.Add(s.dir); err != nil {
		slog.Debug("Unable to watch frame directory", "dir", s.dir, "error", err)
		watcher.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if _, ok := capture.ParseFrameIndex(event.Name); !ok {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Debug("fsnotify error", "dir", s.dir, "error", err)
			}
		}
	}()
	return wake
}
