package r2s3

import (
	"context"
	"log"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Putter is the upload half of Client.
type Putter interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	EnqueuedTotal  uint64
	DroppedTotal   uint64
	UploadedTotal  uint64
	FailedTotal    uint64
	LastUploadUnix int64
	LastErrorUnix  int64
}

type MirrorOptions struct {
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	MaxAttempts   int
	Backoff       func(attempt int) time.Duration
	Logger        *log.Logger
	// OnResult is called from a worker after each job settles.
	OnResult func(key string, err error)
}

type upload struct {
	key       string
	localPath string
}

// Mirror uploads files in the background so exports and journal rotation
// never wait on the network.
type Mirror struct {
	putter Putter
	opts   MirrorOptions

	jobs      chan upload
	wg        sync.WaitGroup
	closeOnce sync.Once

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	lastOK   atomic.Int64
	lastErr  atomic.Int64
}

func NewMirror(putter Putter, opts MirrorOptions) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Backoff == nil {
		opts.Backoff = func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 200 * time.Millisecond
		}
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	m := &Mirror{
		putter: putter,
		opts:   opts,
		jobs:   make(chan upload, opts.QueueCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for job := range m.jobs {
				m.run(job)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload under key (joined with the mirror
// prefix). It waits at most EnqueueWait for queue space and reports whether
// the job was accepted.
func (m *Mirror) Enqueue(key, localPath string) bool {
	if m == nil || m.putter == nil {
		return false
	}
	key = NormalizeKey(key)
	if key == "" || localPath == "" {
		return false
	}
	if m.opts.Prefix != "" {
		key = path.Join(m.opts.Prefix, key)
	}
	job := upload{key: key, localPath: localPath}
	m.enqueued.Add(1)

	select {
	case m.jobs <- job:
		return true
	default:
	}
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- job:
		return true
	case <-timer.C:
		n := m.dropped.Add(1)
		m.printf("r2 mirror drop key=%s reason=queue_saturated dropped_total=%d", key, n)
		return false
	}
}

// Close drains queued uploads and stops the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		EnqueuedTotal:  m.enqueued.Load(),
		DroppedTotal:   m.dropped.Load(),
		UploadedTotal:  m.uploaded.Load(),
		FailedTotal:    m.failed.Load(),
		LastUploadUnix: m.lastOK.Load(),
		LastErrorUnix:  m.lastErr.Load(),
	}
}

func (m *Mirror) run(job upload) {
	var err error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.putter.PutFile(ctx, job.key, job.localPath)
		cancel()
		if err == nil {
			break
		}
		if attempt < m.opts.MaxAttempts {
			time.Sleep(m.opts.Backoff(attempt))
		}
	}
	if err != nil {
		m.failed.Add(1)
		m.lastErr.Store(time.Now().UTC().Unix())
		m.printf("r2 mirror upload failed key=%s local=%s err=%v", job.key, job.localPath, err)
	} else {
		m.uploaded.Add(1)
		m.lastOK.Store(time.Now().UTC().Unix())
		m.printf("r2 mirror uploaded key=%s", job.key)
	}
	if m.opts.OnResult != nil {
		m.opts.OnResult(job.key, err)
	}
}

func (m *Mirror) printf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}
