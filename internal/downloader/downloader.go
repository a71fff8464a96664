// Package downloader fetches the chunks of a stored file through the download
// proxy with bounded concurrency and merges them in index order.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/hookdrive/internal/chunker"
	"github.com/maneesh/hookdrive/internal/progress"
	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/ratelimit"
)

var tracer = otel.Tracer("hookdrive-downloader")

var (
	// ErrSizeMismatch means a chunk body did not match its declared size.
	ErrSizeMismatch = errors.New("downloader: chunk size mismatch")

	// ErrNoProxy means the downloader has no proxy to fetch through.
	ErrNoProxy = errors.New("downloader: no proxy url configured")
)

const readBufferSize = 32 * 1024

// Options configures the downloader.
type Options struct {
	// ProxyURL is the endpoint every fetch goes through, as <ProxyURL>?url=<remote>.
	ProxyURL string

	// Concurrency is the number of chunks fetched at once.
	// Default: 3
	Concurrency int

	// MaxRetries is the number of retries per chunk for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBaseDelay is doubled per retry.
	// Default: 1s
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	// Default: 10s
	RetryMaxDelay time.Duration

	// ProgressInterval is the minimum spacing of progress events.
	// Default: 100ms
	ProgressInterval time.Duration

	Client *http.Client
	Logger *log.Entry
}

// Downloader runs download transfers.
type Downloader struct {
	opts Options
	l    *log.Entry
}

// New creates a downloader. Zero fields of opts take their defaults.
func New(opts Options) *Downloader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 10 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Downloader{opts: opts, l: opts.Logger.WithField("component", "downloader")}
}

// Transfer is one running download. Its events must be drained until the
// channel is closed.
type Transfer struct {
	events    chan protocol.Event
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	err       error
}

// Events returns the event stream. It is closed when the download ends.
func (t *Transfer) Events() <-chan protocol.Event { return t.events }

// Done is closed when the download ends.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Cancel stops the download. The event stream closes without a terminal event.
func (t *Transfer) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Err blocks until the download ends and returns its failure, or
// context.Canceled after Cancel.
func (t *Transfer) Err() error {
	<-t.done
	return t.err
}

// ChunkError ties a failure to the chunk that caused it.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("error downloading chunk %d: %v", e.Index+1, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// Start validates req and runs the download in its own goroutine.
func (d *Downloader) Start(ctx context.Context, req protocol.DownloadRequest) (*Transfer, error) {
	if d.opts.ProxyURL == "" {
		return nil, ErrNoProxy
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	refs := make([]protocol.ChunkRef, len(req.Chunks))
	var total int64
	for _, c := range req.Chunks {
		refs[c.ChunkIndex] = c
		total += c.Size
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Transfer{
		events: make(chan protocol.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	dl := &download{
		d:        d,
		t:        t,
		req:      req,
		refs:     refs,
		total:    total,
		slots:    make([][]byte, len(refs)),
		throttle: progress.NewThrottle(d.opts.ProgressInterval),
		l: d.l.WithFields(log.Fields{
			"file_id":   req.FileID,
			"file_name": req.FileName,
		}),
	}

	go dl.run(ctx)
	return t, nil
}

type download struct {
	d        *Downloader
	t        *Transfer
	req      protocol.DownloadRequest
	refs     []protocol.ChunkRef
	total    int64
	slots    [][]byte
	throttle *progress.Throttle
	l        *log.Entry

	start      time.Time
	cursor     atomic.Int64
	downloaded atomic.Int64
	completed  atomic.Int64
}

func (dl *download) run(ctx context.Context) {
	defer close(dl.t.done)
	defer close(dl.t.events)
	defer dl.t.cancel()

	dl.start = time.Now()
	dl.l.WithFields(log.Fields{
		"chunks": len(dl.refs),
		"size":   dl.total,
	}).Info("download started")

	err := dl.fetchAll(ctx)
	if dl.t.cancelled.Load() || errors.Is(err, context.Canceled) {
		dl.t.err = context.Canceled
		dl.l.Info("download cancelled")
		return
	}
	if err != nil {
		dl.fail(err)
		return
	}

	data, err := chunker.Reassemble(dl.slots)
	if err != nil {
		dl.fail(err)
		return
	}

	dl.progress(true)
	dl.t.events <- protocol.DownloadComplete{
		FileID:   dl.req.FileID,
		FileName: dl.req.FileName,
		FileSize: int64(len(data)),
		Blob:     protocol.Blob{Type: dl.req.FileType, Data: data},
	}

	elapsed := time.Since(dl.start)
	dl.l.WithFields(log.Fields{
		"elapsed": elapsed,
		"speed":   progress.FormatBytes(int64(progress.Speed(int64(len(data)), elapsed))) + "/s",
	}).Info("download finished")
}

func (dl *download) fail(err error) {
	dl.t.err = err
	ev := protocol.Error{FileID: dl.req.FileID, Message: err.Error()}
	var ce *ChunkError
	if errors.As(err, &ce) {
		idx := ce.Index
		ev.ChunkIndex = &idx
	}
	dl.l.WithError(err).Error("download failed")
	dl.t.events <- ev
}

// fetchAll runs the worker pool. Workers claim the next unstarted chunk from a
// shared cursor; the first failure stops the others.
func (dl *download) fetchAll(ctx context.Context) error {
	workers := dl.d.opts.Concurrency
	if workers > len(dl.refs) {
		workers = len(dl.refs)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if dl.t.cancelled.Load() || gctx.Err() != nil {
					return gctx.Err()
				}
				idx := int(dl.cursor.Add(1) - 1)
				if idx >= len(dl.refs) {
					return nil
				}

				data, err := dl.fetchChunk(gctx, idx)
				if err != nil {
					return &ChunkError{Index: idx, Err: err}
				}
				dl.slots[idx] = data
				dl.completed.Add(1)
				dl.progress(true)
			}
		})
	}
	return g.Wait()
}

// fetchChunk downloads one chunk, retrying transient failures.
func (dl *download) fetchChunk(ctx context.Context, idx int) ([]byte, error) {
	ref := dl.refs[idx]
	ctx, span := tracer.Start(ctx, "download_chunk",
		trace.WithAttributes(
			attribute.Int("chunk_index", idx),
			attribute.Int64("chunk_size", ref.Size),
		),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		var got int64
		data, err := dl.fetchOnce(ctx, ref, &got)
		if err == nil {
			return data, nil
		}
		// bytes of a failed attempt are fetched again
		dl.downloaded.Add(-got)

		if ctx.Err() != nil || dl.t.cancelled.Load() {
			return nil, context.Canceled
		}
		if !retryable(err) || attempt >= dl.d.opts.MaxRetries {
			span.RecordError(err)
			return nil, err
		}

		delay := ratelimit.Backoff(attempt+1, dl.d.opts.RetryBaseDelay, dl.d.opts.RetryMaxDelay)
		dl.l.WithFields(log.Fields{
			"chunk":   idx,
			"attempt": attempt + 1,
			"backoff": delay,
		}).WithError(err).Debug("retrying chunk")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Canceled
		case <-timer.C:
		}
	}
}

func (dl *download) fetchOnce(ctx context.Context, ref protocol.ChunkRef, got *int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxied(dl.d.opts.ProxyURL, ref.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := dl.d.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var buf bytes.Buffer
	if ref.Size > 0 {
		buf.Grow(int(ref.Size))
	}
	p := make([]byte, readBufferSize)
	for {
		if dl.t.cancelled.Load() {
			return nil, context.Canceled
		}
		n, err := resp.Body.Read(p)
		if n > 0 {
			buf.Write(p[:n])
			*got += int64(n)
			dl.downloaded.Add(int64(n))
			dl.progress(false)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk body: %w", err)
		}
	}

	if ref.Size > 0 && int64(buf.Len()) != ref.Size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, buf.Len(), ref.Size)
	}
	return buf.Bytes(), nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSizeMismatch) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusRequestTimeout || se.code == http.StatusTooManyRequests
	}
	return true
}

// proxied builds <proxy>?url=<remote>, keeping any query the proxy already has.
func proxied(proxy, remote string) string {
	u, err := url.Parse(proxy)
	if err != nil {
		return proxy + "?url=" + url.QueryEscape(remote)
	}
	q := u.Query()
	q.Set("url", remote)
	u.RawQuery = q.Encode()
	return u.String()
}

// progress emits a snapshot, throttled unless force is set. A full channel
// drops the event.
func (dl *download) progress(force bool) {
	if dl.t.cancelled.Load() {
		return
	}
	send := func() {
		select {
		case dl.t.events <- dl.snapshot():
		default:
		}
	}
	if force {
		send()
		return
	}
	dl.throttle.Do(send)
}

func (dl *download) snapshot() protocol.DownloadProgress {
	downloaded := dl.downloaded.Load()
	speed := progress.Speed(downloaded, time.Since(dl.start))
	ev := protocol.DownloadProgress{
		FileID:          dl.req.FileID,
		FileName:        dl.req.FileName,
		TotalBytes:      dl.total,
		DownloadedBytes: downloaded,
		OverallProgress: progress.Percent(downloaded, dl.total),
		CurrentChunk:    int(dl.completed.Load()),
		TotalChunks:     len(dl.refs),
		Speed:           speed,
	}
	if speed > 0 {
		ev.EstimatedTimeLeft = progress.ETA(dl.total-downloaded, speed).Milliseconds()
	}
	return ev
}
