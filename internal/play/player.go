package play

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/audiolibrelab/screenclip/internal/settings"
)

// Player opens saved recordings in whatever viewer the system has.
type Player struct {
	goos     string
	lookPath func(string) (string, error)
}

func New() *Player {
	return &Player{goos: runtime.GOOS, lookPath: exec.LookPath}
}

// Open launches a viewer for path and returns without waiting for it.
func (p *Player) Open(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("recording not found: %s", path)
	}

	cmd, err := p.command(path)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open %s with %s: %w", path, filepath.Base(cmd.Path), err)
	}
	// The viewer outlives us; don't leave a zombie while we run.
	go cmd.Wait()

	fmt.Printf("Opened: %s\n", path)
	return nil
}

func (p *Player) command(path string) (*exec.Cmd, error) {
	switch p.goos {
	case "darwin":
		return exec.Command("open", path), nil
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path), nil
	}

	viewer, err := p.findViewer()
	if err != nil {
		return nil, fmt.Errorf("no suitable viewer found: %w", err)
	}

	switch viewer {
	case "xdg-open":
		return exec.Command("xdg-open", path), nil
	case "mpv":
		return exec.Command("mpv", "--loop-file=inf", path), nil
	case "vlc":
		return exec.Command("vlc", "--loop", path), nil
	case "ffplay":
		return exec.Command("ffplay", "-loop", "0", path), nil
	}
	return nil, fmt.Errorf("unsupported viewer: %s", viewer)
}

func (p *Player) findViewer() (string, error) {
	// List of viewers in order of preference
	viewers := []string{"xdg-open", "mpv", "vlc", "ffplay"}

	for _, v := range viewers {
		if _, err := p.lookPath(v); err == nil {
			return v, nil
		}
	}

	return "", fmt.Errorf("tried: %s", strings.Join(viewers, ", "))
}

// Latest returns the most recently modified recording in dir.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !isRecording(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(dir, e.Name())
			newestMod = mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no recordings found in %s", dir)
	}
	return newest, nil
}

func isRecording(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	_, err := settings.ParseFormat(ext)
	return err == nil
}
