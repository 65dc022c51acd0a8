package encode

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// EnvTranscoder names an environment variable that points at ffmpeg.
const EnvTranscoder = "SCREENCLIP_FFMPEG"

var wellKnownDirs = []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin"}

// TranscoderUnavailableError means no usable ffmpeg binary was found.
type TranscoderUnavailableError struct {
	Tried []string
}

func (e *TranscoderUnavailableError) Error() string {
	var install string
	switch runtime.GOOS {
	case "darwin":
		install = "brew install ffmpeg"
	case "windows":
		install = "winget install ffmpeg"
	default:
		install = "sudo apt install ffmpeg (or your distribution's package manager)"
	}
	return fmt.Sprintf("ffmpeg not found (tried: %s). Install it with `%s`, or set transcoder.path in the config file or %s",
		strings.Join(e.Tried, ", "), install, EnvTranscoder)
}

// Resolver locates ffmpeg once and caches the answer for the process.
type Resolver struct {
	configured string
	getenv     func(string) string
	lookPath   func(string) (string, error)
	dirs       []string

	once sync.Once
	path string
	err  error
}

// NewResolver searches, in order: configured, $SCREENCLIP_FFMPEG, PATH,
// then the usual install locations.
func NewResolver(configured string) *Resolver {
	return &Resolver{
		configured: configured,
		getenv:     os.Getenv,
		lookPath:   exec.LookPath,
		dirs:       wellKnownDirs,
	}
}

func (r *Resolver) Path() (string, error) {
	r.once.Do(func() {
		r.path, r.err = r.resolve()
		if r.err == nil {
			slog.Debug("Transcoder resolved", "path", r.path)
		}
	})
	return r.path, r.err
}

func (r *Resolver) resolve() (string, error) {
	var tried []string

	for _, candidate := range []string{r.configured, r.getenv(EnvTranscoder)} {
		if candidate == "" {
			continue
		}
		tried = append(tried, candidate)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name = "ffmpeg.exe"
	}
	tried = append(tried, "$PATH")
	if p, err := r.lookPath(name); err == nil && isExecutable(p) {
		return p, nil
	}

	for _, dir := range r.dirs {
		p := filepath.Join(dir, name)
		tried = append(tried, p)
		if isExecutable(p) {
			return p, nil
		}
	}

	return "", &TranscoderUnavailableError{Tried: tried}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}
