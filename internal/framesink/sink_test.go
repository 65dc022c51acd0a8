package framesink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrame(t *testing.T, dir string, idx int, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, capture.FrameName(idx)), make([]byte, size), 0644))
}

func TestPoll_AppendsInCaptureOrder(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	writeFrame(t, dir, 1, 10)
	writeFrame(t, dir, 0, 5)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".frame_000002.jpg.tmp"), []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "palette.png"), []byte("x"), 0644))

	added, err := s.Poll()
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, 0, added[0].Index)
	assert.Equal(t, 1, added[1].Index)
	assert.Equal(t, int64(15), s.Bytes())
	assert.Equal(t, 2, s.NextIndex())

	added, err = s.Poll()
	require.NoError(t, err)
	assert.Empty(t, added, "already seen frames are not reported twice")

	writeFrame(t, dir, 2, 1)
	added, err = s.Poll()
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, []string{
		filepath.Join(dir, "frame_000000.jpg"),
		filepath.Join(dir, "frame_000001.jpg"),
		filepath.Join(dir, "frame_000002.jpg"),
	}, s.Paths())
}

func TestPoll_CountNeverDecreases(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	writeFrame(t, dir, 0, 1)
	writeFrame(t, dir, 1, 1)
	_, err := s.Poll()
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, capture.FrameName(0))))
	_, err = s.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count())
	assert.Len(t, s.Paths(), 2)
}

func TestNextIndex_FollowsHighestIndex(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	assert.Equal(t, 0, s.NextIndex())

	writeFrame(t, dir, 7, 1)
	_, err := s.Poll()
	require.NoError(t, err)
	assert.Equal(t, 8, s.NextIndex())
}

func TestPoll_MissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "gone"))
	_, err := s.Poll()
	assert.Error(t, err)
}

func TestWatch_WakesOnNewFrame(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := s.Watch(ctx)
	if wake == nil {
		t.Skip("fsnotify unavailable")
	}

	writeFrame(t, dir, 0, 1)
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake-up after frame creation")
	}
}
