package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"visualroad.ai/internal/persistence/indexdb"
)

func openIndex(datasetDir string, disableDB bool, logger *log.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VR_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := strings.TrimSpace(os.Getenv("VR_INDEX_SQLITE_PATH"))
		if dbPath == "" {
			dbPath = filepath.Join(datasetDir, "index", "runs.sqlite")
		}
		return indexdb.OpenSQLite(dbPath)
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("VR_INDEX_D1_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("VR_INDEX_D1_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("VR_INDEX_BACKEND=d1 but VR_INDEX_D1_INGEST_URL is empty")
		}
		flushMS := envInt("VR_INDEX_D1_FLUSH_MS", 500)
		batchSize := envInt("VR_INDEX_D1_BATCH_SIZE", 128)
		return indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         token,
			Source:        filepath.Base(datasetDir),
			BatchSize:     batchSize,
			FlushInterval: time.Duration(flushMS) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported VR_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
