package recorder

import (
	"sync"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
)

type Attempt struct {
	Method capture.Method `json:"method"`
	At     time.Time      `json:"at"`
	Error  string         `json:"error,omitempty"`
}

type Transition struct {
	From   capture.Method `json:"from"`
	To     capture.Method `json:"to"`
	Reason string         `json:"reason"`
	At     time.Time      `json:"at"`
}

// DiagnosticsReport is a copy of what the recorder has observed.
type DiagnosticsReport struct {
	Platform        capture.PlatformCapabilities `json:"platform"`
	TranscoderPath  string                       `json:"transcoder_path,omitempty"`
	SessionID       string                       `json:"session_id,omitempty"`
	Attempts        []Attempt                    `json:"attempts"`
	Transitions     []Transition                 `json:"transitions"`
	FramesPerMethod map[capture.Method]int       `json:"frames_per_method"`
	LastDiagnostic  string                       `json:"last_diagnostic,omitempty"`
	TranscoderTail  string                       `json:"transcoder_stderr_tail,omitempty"`
}

// diagnostics is owned by one Recorder.
type diagnostics struct {
	mu     sync.Mutex
	report DiagnosticsReport
}

func newDiagnostics(platform capture.PlatformCapabilities) *diagnostics {
	return &diagnostics{report: DiagnosticsReport{
		Platform:        platform,
		FramesPerMethod: make(map[capture.Method]int),
	}}
}

// begin clears the per-session history.
func (d *diagnostics) begin(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.report.SessionID = sessionID
	d.report.Attempts = nil
	d.report.Transitions = nil
	d.report.FramesPerMethod = make(map[capture.Method]int)
	d.report.LastDiagnostic = ""
}

func (d *diagnostics) attempt(m capture.Method, at time.Time, err error) {
	a := Attempt{Method: m, At: at}
	if err != nil {
		a.Error = err.Error()
	}
	d.mu.Lock()
	d.report.Attempts = append(d.report.Attempts, a)
	d.mu.Unlock()
}

func (d *diagnostics) transition(from, to capture.Method, reason string, at time.Time) {
	d.mu.Lock()
	d.report.Transitions = append(d.report.Transitions, Transition{From: from, To: to, Reason: reason, At: at})
	d.mu.Unlock()
}

func (d *diagnostics) frames(m capture.Method, n int) {
	if n == 0 {
		return
	}
	d.mu.Lock()
	d.report.FramesPerMethod[m] += n
	d.mu.Unlock()
}

func (d *diagnostics) note(msg string) {
	d.mu.Lock()
	d.report.LastDiagnostic = msg
	d.mu.Unlock()
}

func (d *diagnostics) transcoder(path, stderrTail string) {
	d.mu.Lock()
	if path != "" {
		d.report.TranscoderPath = path
	}
	if stderrTail != "" {
		d.report.TranscoderTail = stderrTail
	}
	d.mu.Unlock()
}

func (d *diagnostics) snapshot() DiagnosticsReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.report
	r.Attempts = append([]Attempt(nil), d.report.Attempts...)
	r.Transitions = append([]Transition(nil), d.report.Transitions...)
	r.FramesPerMethod = make(map[capture.Method]int, len(d.report.FramesPerMethod))
	for k, v := range d.report.FramesPerMethod {
		r.FramesPerMethod[k] = v
	}
	return r
}
