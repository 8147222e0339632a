// Package launcher starts and stops the simulation engine process a run
// records against.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Launcher brings an engine up before a run and down after it. Stop is
// always called by the driver, including after a failed Start.
type Launcher interface {
	Start(ctx context.Context, seed int64) error
	Stop(ctx context.Context) error
}

// External is used when the engine is managed elsewhere; it only waits for
// the engine port to accept connections.
type External struct {
	Addr    string
	Timeout time.Duration
}

func (e External) Start(ctx context.Context, _ int64) error {
	if e.Addr == "" {
		return nil
	}
	return WaitForPort(ctx, e.Addr, e.Timeout)
}

func (External) Stop(context.Context) error { return nil }

type Config struct {
	// Command is the engine executable followed by its arguments. The
	// placeholders {seed} and {port} are substituted in every argument.
	Command []string
	Dir     string
	Env     []string
	Addr    string

	StartTimeout time.Duration
	StopTimeout  time.Duration

	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// Process runs the engine as a child process.
type Process struct {
	cfg Config
	log *log.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func NewProcess(cfg Config) (*Process, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("empty engine command")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Process{cfg: cfg, log: logger}, nil
}

func (p *Process) args(seed int64) []string {
	port := ""
	if _, pp, err := net.SplitHostPort(p.cfg.Addr); err == nil {
		port = pp
	}
	r := strings.NewReplacer("{seed}", strconv.FormatInt(seed, 10), "{port}", port)
	out := make([]string, len(p.cfg.Command))
	for i, a := range p.cfg.Command {
		out[i] = r.Replace(a)
	}
	return out
}

func (p *Process) Start(ctx context.Context, seed int64) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	argv := p.args(seed)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stdout = p.cfg.Stdout
	cmd.Stderr = p.cfg.Stderr
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start engine: %w", err)
	}
	p.cmd = cmd
	p.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	}()
	exited := p.exited
	p.mu.Unlock()

	p.log.Printf("engine started pid=%d seed=%d", cmd.Process.Pid, seed)
	if p.cfg.Addr == "" {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	if err := WaitForPort(waitCtx, p.cfg.Addr, p.cfg.StartTimeout); err != nil {
		select {
		case <-exited:
			return fmt.Errorf("engine exited before accepting connections: %v", p.exitErr())
		default:
		}
		return err
	}
	p.log.Printf("engine ready addr=%s", p.cfg.Addr)
	return nil
}

func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return errors.New("exit status 0")
	}
	return p.err
}

// Stop sends SIGTERM and kills the process if it has not exited within the
// stop timeout. Stopping a process that was never started is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Printf("engine SIGTERM failed: %v", err)
	}

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		p.log.Printf("engine stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.log.Printf("engine did not stop after %s; killing", p.cfg.StopTimeout)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	<-exited
	return nil
}

// WaitForPort polls addr until a TCP connection succeeds, timeout elapses or
// ctx is done.
func WaitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for engine at %s: %w", addr, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}
