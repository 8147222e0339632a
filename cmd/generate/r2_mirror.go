package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"visualroad.ai/internal/persistence/r2s3"
)

// buildMirror returns nil unless VR_R2_MIRROR is set. Object keys start with
// the dataset directory name so several datasets can share one bucket.
func buildMirror(datasetDir string, logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("VR_R2_MIRROR", false) {
		return nil, nil
	}
	cfg, ok := r2s3.ConfigFromEnv()
	if !ok {
		return nil, fmt.Errorf("VR_R2_MIRROR=true but VR_R2_ENDPOINT is empty")
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		DataDir: filepath.Dir(filepath.Clean(datasetDir)),
		Prefix:  strings.TrimSpace(os.Getenv("VR_R2_PREFIX")),
		Workers: envInt("VR_R2_UPLOAD_WORKERS", 2),
		Logger:  logger,
	}), nil
}
