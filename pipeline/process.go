package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

const relayChunkSize = 32 * 1024

// Process is one child of the pipeline. The parent ends of its standard
// streams belong to the Muxer and are released by it.
type Process struct {
	Name string
	Path string
	Args []string

	cmd *exec.Cmd
	// parent end of the child's stdin, nil when the child reads none
	stdin *os.File
	// parent end of the child's stdout, nil when the child writes none
	stdout *os.File
	stderr *os.File

	done    chan struct{}
	waitErr error
}

func newProcess(name, path string, args []string) *Process {
	return &Process{
		Name: name,
		Path: path,
		Args: args,
	}
}

// start launches the child with the given child-side stream ends. They are
// closed in the parent whether or not the launch succeeds.
func (p *Process) start(childStdin, childStdout *os.File) error {
	defer func() {
		if childStdin != nil {
			childStdin.Close()
		}
		if childStdout != nil {
			childStdout.Close()
		}
	}()

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %s stderr: %v", ErrLaunch, p.Name, err)
	}

	cmd := exec.Command(p.Path, p.Args...)
	if childStdin != nil {
		cmd.Stdin = childStdin
	}
	if childStdout != nil {
		cmd.Stdout = childStdout
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("%w: %s: %v", ErrLaunch, p.Name, err)
	}

	stderrW.Close()

	p.cmd = cmd
	p.stderr = stderrR
	p.done = make(chan struct{})

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "start",
		"process":  p.Name,
		"pid":      cmd.Process.Pid,
		"args":     p.Args,
	}).Info("Process started")

	return nil
}

func (p *Process) started() bool {
	return p != nil && p.cmd != nil
}

func (p *Process) exited() bool {
	if !p.started() {
		return true
	}

	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the wait result once the process exited.
func (p *Process) Err() error {
	if !p.started() || !p.exited() {
		return nil
	}
	return p.waitErr
}

// drainStderr logs the child's diagnostics so a full pipe never stalls it.
// It returns when the stream ends or its handle is released.
func (p *Process) drainStderr() error {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		logrus.WithFields(logrus.Fields{
			"function": "drainStderr",
			"process":  p.Name,
		}).Debug(scanner.Text())
	}

	// an overlong line stops the scanner, keep the pipe empty anyway
	if scanner.Err() != nil {
		io.Copy(io.Discard, p.stderr)
	}
	return nil
}

// relay copies the stdout of p into the stdin of next in fixed-size chunks.
// Running out of input while ctx is live is an error.
func (p *Process) relay(ctx context.Context, next *Process) error {
	buf := make([]byte, relayChunkSize)

	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			if _, werr := next.stdin.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %s: %v", ErrRelay, next.Name, werr)
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %s closed its output", ErrRelay, p.Name)
			}
			return fmt.Errorf("%w: %s: %v", ErrRelay, p.Name, err)
		}
	}
}

// stop closes the child's stdin, asks it to exit and kills it once grace
// has passed. It gives up waiting after killWait more.
func (p *Process) stop(grace, killWait time.Duration) error {
	if p.stdin != nil {
		p.stdin.Close()
	}

	if p.exited() {
		return nil
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "stop",
		"process":  p.Name,
		"pid":      p.cmd.Process.Pid,
	})

	if err := p.cmd.Process.Signal(os.Interrupt); err == nil {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-p.done:
			log.Debug("Process exited")
			return nil
		case <-timer.C:
		}
	}

	log.Warn("Process did not exit in time, killing")
	p.cmd.Process.Kill()

	timer := time.NewTimer(killWait)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		log.Error("Process still running after kill")
		return fmt.Errorf("%w: %s", ErrKillTimeout, p.Name)
	}
}

// release closes the parent ends that are still open.
func (p *Process) release() {
	for _, f := range []*os.File{p.stdin, p.stdout, p.stderr} {
		if f != nil {
			f.Close()
		}
	}
}
