// Package rexec runs and supervises the external processes a detector depends on, such as the
// container serving the model.
package rexec

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/objrec/logging"
)

const defaultStopTimeout = 10 * time.Second

// ProcessConfig describes how to run a process.
type ProcessConfig struct {
	ID          string        `json:"id" mapstructure:"id"`
	Name        string        `json:"name" mapstructure:"name"`
	Args        []string      `json:"args" mapstructure:"args"`
	CWD         string        `json:"cwd" mapstructure:"cwd"`
	OneShot     bool          `json:"one_shot" mapstructure:"one_shot"`
	Log         bool          `json:"log" mapstructure:"log"`
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
}

// Validate ensures all parts of the config are valid.
func (config *ProcessConfig) Validate(path string) error {
	if config.ID == "" {
		return errors.Errorf("%s: expected id field to be set", path)
	}
	if config.Name == "" {
		return errors.Errorf("%s: expected name field to be set", path)
	}
	return nil
}

// A ManagedProcess controls the lifecycle of a single system process.
type ManagedProcess interface {
	// ID returns the unique ID of the process.
	ID() string
	// Start starts the process. For a one shot process Start returns once the process exits.
	Start(ctx context.Context) error
	// Stop signals the process to stop and waits for it, killing it after the stop timeout.
	Stop() error
}

type managedProcess struct {
	mu      sync.Mutex
	config  ProcessConfig
	cmd     *exec.Cmd
	exited  chan struct{}
	stopped bool
	logger  logging.Logger
}

// NewManagedProcess returns a new, unstarted process based on the given config.
func NewManagedProcess(config ProcessConfig, logger logging.Logger) ManagedProcess {
	if config.StopTimeout == 0 {
		config.StopTimeout = defaultStopTimeout
	}
	return &managedProcess{config: config, logger: logger}
}

func (p *managedProcess) ID() string {
	return p.config.ID
}

func (p *managedProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.OneShot {
		//nolint:gosec
		cmd := exec.CommandContext(ctx, p.config.Name, p.config.Args...)
		cmd.Dir = p.config.CWD
		out, err := cmd.CombinedOutput()
		if p.config.Log && len(out) > 0 {
			p.logger.Infow("process output", "id", p.config.ID, "output", string(out))
		}
		return errors.Wrapf(err, "error running process %q", p.config.ID)
	}

	if p.cmd != nil {
		return errors.Errorf("process %q already started", p.config.ID)
	}

	// The process outlives the start context, so it is not bound to it.
	//nolint:gosec
	cmd := exec.Command(p.config.Name, p.config.Args...)
	cmd.Dir = p.config.CWD
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "error starting process %q", p.config.ID)
	}
	p.cmd = cmd
	p.stopped = false
	p.exited = make(chan struct{})

	var pipes sync.WaitGroup
	pipes.Add(2)
	goutils.PanicCapturingGo(func() { defer pipes.Done(); p.logOutput(stdout, "stdout") })
	goutils.PanicCapturingGo(func() { defer pipes.Done(); p.logOutput(stderr, "stderr") })

	exited := p.exited
	goutils.PanicCapturingGo(func() {
		pipes.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if !stopped {
			p.logger.Warnw("process exited unexpectedly", "id", p.config.ID, "error", err)
		}
		close(exited)
	})
	p.logger.Debugw("started process", "id", p.config.ID, "pid", cmd.Process.Pid)
	return nil
}

func (p *managedProcess) logOutput(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if p.config.Log {
			p.logger.Infow(scanner.Text(), "id", p.config.ID, "stream", stream)
		}
	}
}

func (p *managedProcess) Stop() error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cmd = nil
	p.mu.Unlock()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Debugw("could not interrupt process, killing it", "id", p.config.ID, "error", err)
		if err := cmd.Process.Kill(); err != nil {
			return errors.Wrapf(err, "error killing process %q", p.config.ID)
		}
	}
	timer := time.NewTimer(p.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}
	p.logger.Warnw("process did not stop in time, killing it", "id", p.config.ID, "timeout", p.config.StopTimeout)
	if err := cmd.Process.Kill(); err != nil {
		return errors.Wrapf(err, "error killing process %q", p.config.ID)
	}
	<-exited
	return nil
}
