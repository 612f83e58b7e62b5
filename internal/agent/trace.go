package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/cos/pkg/models"
)

// DefaultTraceKeep is how many finished traces a TraceLog keeps in memory.
const DefaultTraceKeep = 20

// TraceLog keeps recent run traces and optionally appends each one as a
// JSON line to a writer for later inspection.
type TraceLog struct {
	mu     sync.Mutex
	keep   int
	recent []models.RunTrace
	writer io.Writer
	file   *os.File // non-nil if we opened the file ourselves
}

// NewTraceLog creates a log writing to w. A nil w keeps traces in memory only.
func NewTraceLog(w io.Writer, keep int) *TraceLog {
	if keep <= 0 {
		keep = DefaultTraceKeep
	}
	return &TraceLog{keep: keep, writer: w}
}

// OpenTraceLog appends to the JSONL file at path, creating it if needed.
// Traces already in the file are loaded as the recent set.
func OpenTraceLog(path string, keep int) (*TraceLog, error) {
	l := NewTraceLog(nil, keep)
	if f, err := os.Open(path); err == nil {
		traces, rerr := ReadTraces(f)
		_ = f.Close()
		if rerr != nil {
			return nil, fmt.Errorf("read trace file: %w", rerr)
		}
		if over := len(traces) - l.keep; over > 0 {
			traces = traces[over:]
		}
		l.recent = traces
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	l.writer, l.file = f, f
	return l, nil
}

// Record stores a finished trace. Write failures are returned but the
// trace is kept in memory regardless.
func (l *TraceLog) Record(t *models.RunTrace) error {
	if l == nil || t == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append(l.recent, cloneTrace(t))
	if over := len(l.recent) - l.keep; over > 0 {
		l.recent = append([]models.RunTrace(nil), l.recent[over:]...)
	}
	if l.writer == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	if l.file != nil {
		_ = l.file.Sync()
	}
	return nil
}

// Last returns a copy of the newest trace, or nil.
func (l *TraceLog) Last() *models.RunTrace {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.recent) == 0 {
		return nil
	}
	t := cloneTrace(&l.recent[len(l.recent)-1])
	return &t
}

// Recent returns copies of the kept traces, oldest first.
func (l *TraceLog) Recent() []models.RunTrace {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.RunTrace, len(l.recent))
	for i := range l.recent {
		out[i] = cloneTrace(&l.recent[i])
	}
	return out
}

// Close closes the file opened by OpenTraceLog.
func (l *TraceLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file, l.writer = nil, nil
	return err
}

// ReadTraces decodes a JSONL trace stream. Blank lines are skipped.
func ReadTraces(r io.Reader) ([]models.RunTrace, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var out []models.RunTrace
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var t models.RunTrace
		if err := json.Unmarshal(data, &t); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, t)
	}
	return out, scanner.Err()
}

func cloneTrace(t *models.RunTrace) models.RunTrace {
	c := *t
	c.ToolCalls = append([]models.ToolCallRecord(nil), t.ToolCalls...)
	return c
}

// newTrace starts a trace for one run.
func newTrace(runID, trigger, prompt string, tier models.Tier, now time.Time) *models.RunTrace {
	return &models.RunTrace{
		RunID:     runID,
		Trigger:   trigger,
		Prompt:    prompt,
		StartedAt: now,
		Tier:      tier,
	}
}
