package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/agent"
)

const maxShownInput = 400

// lineReader reads input lines without blocking past ctx. At most one
// read is in flight; a read abandoned by one caller is picked up by the next.
type lineReader struct {
	in *bufio.Reader

	mu      sync.Mutex
	pending chan string
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{in: bufio.NewReader(in)}
}

// Next returns the next line without its newline, or io.EOF.
func (r *lineReader) Next(ctx context.Context) (string, error) {
	r.mu.Lock()
	ch := r.pending
	if ch == nil {
		ch = make(chan string, 1)
		r.pending = ch
		go func() {
			line, err := r.in.ReadString('\n')
			if err != nil && line == "" {
				close(ch)
				return
			}
			ch <- line
		}()
	}
	r.mu.Unlock()

	select {
	case line, ok := <-ch:
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
		if !ok {
			return "", io.EOF
		}
		return strings.TrimRight(line, "\r\n"), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// terminalApprover asks on the terminal before each mutating call. With
// autoApprove set it grants everything without reading input.
type terminalApprover struct {
	lines       *lineReader
	out         io.Writer
	autoApprove bool
}

func newTerminalApprover(lines *lineReader, out io.Writer, autoApprove bool) *terminalApprover {
	return &terminalApprover{lines: lines, out: out, autoApprove: autoApprove}
}

func (a *terminalApprover) RequestApproval(ctx context.Context, req agent.ApprovalRequest) (agent.ApprovalDecision, error) {
	if a.autoApprove {
		return agent.ApprovalDecision{Approved: true, Reason: "auto-approved", DecidedAt: time.Now()}, nil
	}
	fmt.Fprintf(a.out, "\nThe assistant wants to run %s", req.ToolName)
	if req.Target != "" {
		fmt.Fprintf(a.out, " on %q", req.Target)
	}
	fmt.Fprintln(a.out)
	if len(req.Input) > 0 {
		input := string(req.Input)
		if len(input) > maxShownInput {
			input = input[:maxShownInput] + "..."
		}
		fmt.Fprintf(a.out, "  input: %s\n", input)
	}
	fmt.Fprint(a.out, "Approve? [y/N] ")

	line, err := a.lines.Next(ctx)
	if err == io.EOF {
		return agent.ApprovalDecision{Reason: "no input", DecidedAt: time.Now()}, nil
	}
	if err != nil {
		return agent.ApprovalDecision{}, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "y" || answer == "yes" {
		return agent.ApprovalDecision{Approved: true, Reason: "user approved", DecidedAt: time.Now()}, nil
	}
	return agent.ApprovalDecision{Reason: "user denied", DecidedAt: time.Now()}, nil
}
