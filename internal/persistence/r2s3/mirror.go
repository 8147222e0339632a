package r2s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Putter uploads one local file under an object key. *Client implements it.
type Putter interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	SkippedTotal       uint64
}

type MirrorConfig struct {
	// DataDir is the root the object keys are computed relative to.
	DataDir string
	Prefix  string
	Workers int
	// Attempts per file, including the first. Defaults to 4.
	Attempts int
	Backoff  time.Duration
	Logger   *log.Logger
}

// Mirror uploads run artifacts from a pool of workers. Unlike the recording
// path, Enqueue blocks when the queue is full: the mirror runs after a run
// finished and every artifact must be attempted.
type Mirror struct {
	client Putter
	cfg    MirrorConfig
	logger *log.Logger

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	errMu sync.Mutex
	errs  []error

	enqueuedTotal      atomic.Uint64
	uploadSuccessTotal atomic.Uint64
	uploadFailTotal    atomic.Uint64
	skippedTotal       atomic.Uint64
}

func NewMirror(client Putter, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Mirror{
		client: client,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan string, 4*cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueuedTotal.Add(1)
	m.jobs <- localPath
}

// Wait closes the queue, waits for every upload and returns the joined
// upload errors.
func (m *Mirror) Wait() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return errors.Join(m.errs...)
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.jobs),
		QueueCapacity:      cap(m.jobs),
		EnqueuedTotal:      m.enqueuedTotal.Load(),
		UploadSuccessTotal: m.uploadSuccessTotal.Load(),
		UploadFailTotal:    m.uploadFailTotal.Load(),
		SkippedTotal:       m.skippedTotal.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.skippedTotal.Add(1)
		m.logger.Printf("mirror skip local=%s err=%v", localPath, err)
		m.addErr(err)
		return
	}

	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.logger.Printf("mirror upload failed key=%s local=%s err=%v", key, localPath, err)
		m.addErr(fmt.Errorf("upload %s: %w", key, err))
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.logger.Printf("mirror uploaded key=%s", key)
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		err := m.client.PutFile(context.Background(), key, localPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < m.cfg.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.cfg.Backoff)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.cfg.DataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}

	key := rel
	if m.cfg.Prefix != "" {
		key = path.Join(m.cfg.Prefix, key)
	}
	return key, nil
}

func (m *Mirror) addErr(err error) {
	m.errMu.Lock()
	m.errs = append(m.errs, err)
	m.errMu.Unlock()
}
