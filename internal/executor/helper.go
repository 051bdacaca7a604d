package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/pkg/logger"
)

const (
	dimStart = "\033[2m"
	dimEnd   = "\033[0m"
)

// StreamDimmed reads from r, writes to buf for capture, and echoes each
// line dimmed to echo (nil to stay quiet).
func StreamDimmed(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, echo io.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// yt-dlp -J prints the whole document on one line
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if echo != nil {
			fmt.Fprintf(echo, "%s  │ %s%s\n", dimStart, line, dimEnd)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("Scanner error (may be normal): %v", err)
	}
}

// commandResult holds captured output of a finished subprocess.
type commandResult struct {
	Stdout string
	Stderr string
}

// runStreamed runs bin with args, capturing both streams. Only stderr is
// echoed when echo is set; stdout may be a JSON document.
func runStreamed(ctx context.Context, echo bool, bin string, args ...string) (commandResult, error) {
	logger.Debugf("  Command: %s %s", bin, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{}, errors.Wrap(err, "stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return commandResult{}, errors.Wrap(err, "stderr pipe")
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup

	var stderrEcho io.Writer
	if echo {
		stderrEcho = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return commandResult{}, errors.Wrapf(err, "start %s", bin)
	}

	wg.Add(2)
	go StreamDimmed(&wg, stdoutPipe, &stdoutBuf, nil)
	go StreamDimmed(&wg, stderrPipe, &stderrBuf, stderrEcho)
	wg.Wait()

	res := commandResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, errors.Wrapf(ctxErr, "%s interrupted", bin)
		}
		return res, errors.Wrapf(err, "%s failed", bin)
	}
	return res, nil
}
