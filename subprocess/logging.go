package subprocess

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/meta-stremio/meta-stremio/log"
)

// How much of a failing child's stderr ends up in the returned error
const stderrTailBytes = 2048

func streamOutput(src io.Reader, out io.Writer) {
	s := bufio.NewReader(src)
	for {
		var line []byte
		line, err := s.ReadSlice('\n')
		if err == io.EOF && len(line) == 0 {
			break
		}
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			log.LogNoRequestID("streamOutput ReadSlice error", "err", err)
			return
		}
		if _, werr := out.Write(line); werr != nil {
			log.LogNoRequestID("streamOutput out.Write error", "err", werr)
			return
		}
		if err == io.EOF {
			break
		}
	}
}

// tailBuffer keeps only the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

// RunCaptured runs cmd to completion and returns the tail of its stderr. With -v 6 the
// child's stderr is also mirrored to ours as it arrives.
func RunCaptured(cmd *exec.Cmd) (string, error) {
	tail := &tailBuffer{limit: stderrTailBytes}
	var stderr io.Writer = tail
	if glog.V(6) {
		stderr = io.MultiWriter(tail, os.Stderr)
	}
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	done := make(chan struct{})
	go func() {
		streamOutput(pipe, stderr)
		close(done)
	}()
	// the pipe must be drained before Wait closes it
	<-done
	err = cmd.Wait()
	return tail.String(), err
}
