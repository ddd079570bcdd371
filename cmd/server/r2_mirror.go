package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"realmkeeper.ai/internal/lifecycle"
	"realmkeeper.ai/internal/metrics"
	persistlog "realmkeeper.ai/internal/persistence/log"
	"realmkeeper.ai/internal/persistence/r2s3"
)

// journalLayout rotates hook journal segments hourly; each closed segment is
// mirrored.
const journalLayout = persistlog.DefaultRotateLayout

type mirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

func buildMirrorRuntime(mets *metrics.Collectors, logger *log.Logger) (*mirrorRuntime, error) {
	enabled := envBool("RK_R2_MIRROR", false)
	if !enabled {
		return &mirrorRuntime{enabled: false}, nil
	}

	cfg := r2s3.Config{
		Endpoint:        strings.TrimSpace(os.Getenv("RK_R2_ENDPOINT")),
		Bucket:          strings.TrimSpace(os.Getenv("RK_R2_BUCKET")),
		Region:          strings.TrimSpace(os.Getenv("RK_R2_REGION")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("RK_R2_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("RK_R2_SECRET_ACCESS_KEY")),
		Timeout:         time.Duration(envInt("RK_R2_TIMEOUT_SECONDS", 60)) * time.Second,
	}
	client, err := r2s3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("RK_R2_MIRROR=true but RK_R2_ENDPOINT/RK_R2_BUCKET/RK_R2_ACCESS_KEY_ID/RK_R2_SECRET_ACCESS_KEY are not fully set: %w", err)
	}

	mirror := r2s3.NewMirror(client, r2s3.MirrorOptions{
		Prefix:        strings.TrimSpace(os.Getenv("RK_R2_PREFIX")),
		Workers:       envInt("RK_R2_UPLOAD_WORKERS", 2),
		QueueCapacity: envInt("RK_R2_QUEUE_CAPACITY", 256),
		Logger:        logger,
		OnResult:      mets.ObserveUpload,
	})
	logger.Printf("r2 mirror enabled bucket=%s workers=%d", client.Bucket(), envInt("RK_R2_UPLOAD_WORKERS", 2))
	return &mirrorRuntime{enabled: true, mirror: mirror}, nil
}

// Sink is the export destination for the lifecycle manager, or nil when the
// mirror is off.
func (r *mirrorRuntime) Sink() lifecycle.ArtifactSink {
	if r == nil || !r.enabled || r.mirror == nil {
		return nil
	}
	return r.mirror
}

func (r *mirrorRuntime) Enqueue(key, localPath string) bool {
	if r == nil || !r.enabled || r.mirror == nil {
		return false
	}
	return r.mirror.Enqueue(key, localPath)
}

func (r *mirrorRuntime) Stats() (r2s3.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return r2s3.Stats{}, false
	}
	return r.mirror.Stats(), true
}

func (r *mirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
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
