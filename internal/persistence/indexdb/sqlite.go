package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped  atomic.Uint64
	writeErr atomic.Uint64
}

var _ Index = (*SQLiteIndex)(nil)

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqRunDone
	reqTile
	reqArtifact
)

type req struct {
	kind reqKind

	run      Run
	done     runDone
	tile     Tile
	artifact Artifact
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			dir TEXT NOT NULL,
			scale INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			duration INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			engine TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			run_id TEXT NOT NULL,
			tile INTEGER NOT NULL,
			map TEXT NOT NULL,
			weather TEXT NOT NULL,
			vehicles INTEGER NOT NULL,
			pedestrians INTEGER NOT NULL,
			walkers INTEGER NOT NULL,
			controllers INTEGER NOT NULL,
			spawned_vehicles INTEGER NOT NULL,
			cameras INTEGER NOT NULL,
			spawn_failures INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			error TEXT,
			teardown_error TEXT,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, tile)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tiles_map ON tiles(map, weather);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL,
			tile INTEGER NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			frames INTEGER NOT NULL,
			PRIMARY KEY (run_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_tile ON artifacts(run_id, tile);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the writer falls behind; the manifest remains the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) RecordRun(r Run) {
	if r.StartedAt == "" {
		r.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.enqueue(req{kind: reqRun, run: r})
}

func (s *SQLiteIndex) FinishRun(runID, status, errMsg string) {
	s.enqueue(req{kind: reqRunDone, done: runDone{
		RunID:      runID,
		Status:     status,
		Error:      errMsg,
		FinishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

func (s *SQLiteIndex) RecordTile(t Tile) {
	if t.RecordedAt == "" {
		t.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.enqueue(req{kind: reqTile, tile: t})
}

func (s *SQLiteIndex) RecordArtifact(a Artifact) {
	s.enqueue(req{kind: reqArtifact, artifact: a})
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		QueueDroppedTotal: s.dropped.Load(),
		WriteErrTotal:     s.writeErr.Load(),
	}
}

// UpsertConfig stores the catalog and tuning the run was generated with. It
// writes synchronously.
func (s *SQLiteIndex) UpsertConfig(cat catalogs.Catalog, tu tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range configRows(cat, tu) {
		if _, err := stmt.Exec(r.Name, r.Digest, string(r.JSON), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,name,dir,scale,width,height,duration,seed,engine,status,started_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	finishRun, _ := s.db.Prepare(`UPDATE runs SET status=?, error=?, finished_at=? WHERE run_id=?`)
	insertTile, _ := s.db.Prepare(`INSERT OR REPLACE INTO tiles(run_id,tile,map,weather,vehicles,pedestrians,walkers,controllers,spawned_vehicles,cameras,spawn_failures,elapsed_ms,error,teardown_error,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertArtifact, _ := s.db.Prepare(`INSERT OR REPLACE INTO artifacts(run_id,tile,name,path,frames) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, finishRun, insertTile, insertArtifact} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErr.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErr.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErr.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRun:
			ru := r.run
			exec(insertRun, ru.RunID, ru.Name, ru.Dir, ru.Scale, ru.Width, ru.Height, ru.Duration, ru.Seed, ru.Engine, StatusRunning, ru.StartedAt)
		case reqRunDone:
			d := r.done
			exec(finishRun, d.Status, nullable(d.Error), d.FinishedAt, d.RunID)
		case reqTile:
			t := r.tile
			exec(insertTile, t.RunID, t.Tile, t.Map, t.Weather, t.Vehicles, t.Pedestrians, t.Walkers, t.Controllers,
				t.Spawned, t.Cameras, t.SpawnFailures, t.ElapsedMs, nullable(t.Error), nullable(t.TeardownError), t.RecordedAt)
		case reqArtifact:
			a := r.artifact
			exec(insertArtifact, a.RunID, a.Tile, a.Name, a.Path, a.Frames)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
