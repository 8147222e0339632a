package launcher

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestProcess_SubstitutesSeedAndPort(t *testing.T) {
	ln := listen(t)
	var out bytes.Buffer
	p, err := NewProcess(Config{
		Command: []string{"sh", "-c", "echo seed={seed} port={port}; exec sleep 30"},
		Addr:    ln.Addr().String(),
		Stdout:  &out,
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	ctx := context.Background()
	if err := p.Start(ctx, 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("SIGTERM did not stop the process promptly")
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	if got := out.String(); !strings.Contains(got, "seed=42 port="+port) {
		t.Fatalf("output=%q", got)
	}
	// Stop after exit is a no-op.
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestProcess_KillsAfterStopTimeout(t *testing.T) {
	p, err := NewProcess(Config{
		Command:     []string{"sh", "-c", "trap '' TERM; while true; do sleep 0.05; done"},
		StopTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	ctx := context.Background()
	if err := p.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-p.exited:
	default:
		t.Fatalf("process still running after Stop")
	}
}

func TestProcess_ExitBeforeReady(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	_ = ln.Close()

	p, err := NewProcess(Config{
		Command:      []string{"sh", "-c", "exit 3"},
		Addr:         addr,
		StartTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	err = p.Start(context.Background(), 0)
	if err == nil || !strings.Contains(err.Error(), "exited before accepting") {
		t.Fatalf("err=%v want early exit", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewProcess_EmptyCommand(t *testing.T) {
	if _, err := NewProcess(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExternal_WaitsForPort(t *testing.T) {
	ln := listen(t)
	if err := (External{Addr: ln.Addr().String(), Timeout: time.Second}).Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := ln.Addr().String()
	_ = ln.Close()
	if err := (External{Addr: addr, Timeout: 200 * time.Millisecond}).Start(context.Background(), 0); err == nil {
		t.Fatalf("expected timeout on closed port")
	}
}
