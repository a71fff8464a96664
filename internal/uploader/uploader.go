package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

var tracer = otel.Tracer("hookdrive-uploader")

// ErrCancelled is reported by Transfer.Err after Cancel.
var ErrCancelled = errors.New("uploader: upload cancelled")

// Options configures the uploader.
type Options struct {
	// Client performs the multipart POSTs.
	// Default: otelhttp-instrumented client without timeout
	Client *http.Client

	// MaxRetries is the number of retries per chunk after the first attempt.
	// Default: 3
	MaxRetries int

	// RetryBaseDelay is doubled per retry.
	// Default: 1s
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	// Default: 10s
	RetryMaxDelay time.Duration

	// MaxThrottled bounds how many 429 answers a chunk tolerates. They do not
	// count as retries.
	// Default: 10
	MaxThrottled int

	// ProgressInterval is the minimum spacing of progress events.
	// Default: 100ms
	ProgressInterval time.Duration

	Logger *log.Entry
}

// DefaultOptions returns options with the production retry policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    10 * time.Second,
		MaxThrottled:     10,
		ProgressInterval: progress.DefaultInterval,
	}
}

// Uploader splits files into chunks and posts them to webhook endpoints.
type Uploader struct {
	client *http.Client
	opts   Options
	l      *log.Entry
}

// New creates an uploader. Zero fields of opts take their defaults.
func New(opts Options) *Uploader {
	def := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = def.RetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = def.RetryMaxDelay
	}
	if opts.MaxThrottled <= 0 {
		opts.MaxThrottled = def.MaxThrottled
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}

	return &Uploader{
		client: opts.Client,
		opts:   opts,
		l:      opts.Logger.WithField("component", "uploader"),
	}
}

// Transfer is one running upload. Its events must be drained until the
// channel is closed.
type Transfer struct {
	events    chan protocol.Event
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	err       error
}

// Events returns the event stream. It is closed when the upload ends.
func (t *Transfer) Events() <-chan protocol.Event { return t.events }

// Done is closed when the upload ends.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Cancel stops the upload, aborting in-flight requests. No completion or
// error event is emitted afterwards.
func (t *Transfer) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Err returns ErrCancelled after a cancellation, the worker failure if the
// upload crashed, and nil otherwise. Valid after Done is closed.
func (t *Transfer) Err() error {
	<-t.done
	return t.err
}

// Start validates req and runs the upload in its own goroutine.
func (u *Uploader) Start(ctx context.Context, req protocol.UploadRequest) (*Transfer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = chunker.DefaultChunkSize
	}

	plan, err := chunker.NewPlan(req.File.Size, req.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidRequest, err)
	}

	fileID := req.CorrelationID
	if fileID == "" {
		fileID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Transfer{
		events: make(chan protocol.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	up := &upload{
		u:          u,
		t:          t,
		req:        req,
		fileID:     fileID,
		plan:       plan,
		assignment: chunker.Assign(plan.Count, len(req.EndpointURLs)),
		limits:     ratelimit.NewTable(),
		throttle:   progress.NewThrottle(u.opts.ProgressInterval),
		statuses:   make([]protocol.ChunkStatus, plan.Count),
		l: u.l.WithFields(log.Fields{
			"file_id":   fileID,
			"file_name": req.File.Name,
		}),
	}
	up.endpointIDs = make([]string, len(req.EndpointURLs))
	for i, e := range req.EndpointURLs {
		up.endpointIDs[i] = EndpointID(e, i)
	}
	for i := range up.statuses {
		up.statuses[i] = protocol.ChunkStatus{
			ID:         i,
			Status:     protocol.ChunkPending,
			Size:       plan.Size(i),
			EndpointID: up.endpointIDs[up.assignment.Owner(i)],
		}
	}

	go up.run(ctx)
	return t, nil
}

// chunkState is the per-chunk retry state machine:
// idle -> waiting -> uploading -> {success | retrying -> waiting | failed}
type chunkState int

const (
	stateIdle chunkState = iota
	stateWaiting
	stateUploading
	stateRetrying
	stateSuccess
	stateFailed
)

func (s chunkState) status() string {
	switch s {
	case stateUploading, stateRetrying:
		return protocol.ChunkUploading
	case stateSuccess:
		return protocol.ChunkSuccess
	case stateFailed:
		return protocol.ChunkError
	default:
		return protocol.ChunkPending
	}
}

// upload is the per-transfer context. Nothing here is shared between transfers.
type upload struct {
	u           *Uploader
	t           *Transfer
	req         protocol.UploadRequest
	fileID      string
	plan        chunker.Plan
	assignment  chunker.Assignment
	endpointIDs []string
	limits      *ratelimit.Table
	throttle    *progress.Throttle
	l           *log.Entry

	start     time.Time
	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	terminal  atomic.Bool

	mu       sync.Mutex
	statuses []protocol.ChunkStatus
}

func (up *upload) run(ctx context.Context) {
	defer close(up.t.done)
	defer close(up.t.events)
	defer up.t.cancel()

	up.start = time.Now()
	up.l.WithFields(log.Fields{
		"size":      up.plan.FileSize,
		"chunks":    up.plan.Count,
		"endpoints": len(up.req.EndpointURLs),
	}).Info("upload started")
	up.progress(true)

	var g errgroup.Group
	for pos, indices := range up.assignment {
		pos, indices := pos, indices
		g.Go(func() error {
			defer up.recoverWorker()
			up.drain(ctx, pos, indices)
			return nil
		})
	}
	_ = g.Wait()

	up.maybeComplete()

	switch {
	case up.t.err != nil:
	case up.isCancelled(ctx):
		up.t.err = ErrCancelled
		up.l.Info("upload cancelled")
	}
}

// recoverWorker turns a crashing endpoint task into the single terminal error.
func (up *upload) recoverWorker() {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("upload of %s failed: %v", up.req.File.Name, r)
	up.l.WithError(err).Error("upload worker crashed")
	if up.terminal.CompareAndSwap(false, true) {
		up.t.err = err
		up.emit(protocol.Error{FileID: up.fileID, Message: err.Error()})
	}
	up.t.cancel()
}

func (up *upload) isCancelled(ctx context.Context) bool {
	return up.t.cancelled.Load() || ctx.Err() != nil
}

// drain uploads the chunks owned by one endpoint, one after another.
func (up *upload) drain(ctx context.Context, pos int, indices []int) {
	endpoint := up.req.EndpointURLs[pos]
	l := up.l.WithField("endpoint_id", up.endpointIDs[pos])
	l.WithField("chunks", indices).Debug("endpoint task started")

	for _, idx := range indices {
		if up.isCancelled(ctx) {
			l.Debug("endpoint task stopping: cancelled")
			return
		}

		loc, err := up.uploadChunk(ctx, pos, endpoint, idx)
		if err != nil {
			if up.isCancelled(ctx) {
				return
			}
			up.failed.Add(1)
			up.setState(idx, stateFailed, err)
			l.WithError(err).WithField("chunk", idx).Warn("chunk failed")
		} else {
			up.succeeded.Add(1)
			up.setState(idx, stateSuccess, nil)
			if up.req.CorrelationID != "" {
				up.emit(*loc)
			}
			l.WithField("chunk", idx).Debug("chunk stored")
		}

		up.completed.Add(1)
		up.progress(true)
		up.maybeComplete()
	}
}

// uploadChunk runs the retry state machine for one chunk.
func (up *upload) uploadChunk(ctx context.Context, pos int, endpoint string, idx int) (*protocol.ChunkURL, error) {
	start, end := up.plan.Span(idx)
	ctx, span := tracer.Start(ctx, "upload_chunk",
		trace.WithAttributes(
			attribute.Int("chunk_index", idx),
			attribute.Int64("chunk_size", end-start),
			attribute.String("endpoint_id", up.endpointIDs[pos]),
		),
	)
	defer span.End()

	token := uuid.NewString()[:8]
	name := chunker.ChunkFileName(up.req.File.Name, idx, up.plan.Count, token)
	content := fmt.Sprintf("Chunk %d/%d of %q (ID:%s)", idx+1, up.plan.Count, up.req.File.Name, token)
	limit := up.limits.For(endpoint)

	retries, throttled := 0, 0
	for {
		up.setState(idx, stateWaiting, nil)
		if err := limit.Wait(ctx); err != nil {
			return nil, err
		}

		up.setState(idx, stateUploading, nil)
		res, err := postPart(ctx, up.u.client, endpoint, limit, part{
			FileName: name,
			Content:  content,
			Body: &progress.CountingReader{
				R:      io.NewSectionReader(up.req.File.Reader, start, end-start),
				OnRead: func(n int) { up.addUploaded(idx, n) },
			},
			Size: end - start,
		})
		if err == nil {
			span.SetAttributes(attribute.Int("retries", retries))
			return &protocol.ChunkURL{
				FileID:          up.fileID,
				ChunkIndex:      idx,
				URL:             res.URL,
				Size:            end - start,
				RemoteObjectID:  res.ObjectID,
				RemoteMessageID: res.MessageID,
				EndpointID:      up.endpointIDs[pos],
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, errThrottled) && throttled < up.u.opts.MaxThrottled {
			throttled++
			up.setState(idx, stateRetrying, err)
			up.progress(true)
			up.l.WithField("chunk", idx).Debug("endpoint rate limited, waiting for reset")
			continue
		}

		if !retryable(err) || retries >= up.u.opts.MaxRetries {
			span.RecordError(err)
			return nil, fmt.Errorf("chunk %d failed after %d attempts: %w", idx, retries+1, err)
		}

		retries++
		up.setState(idx, stateRetrying, err)
		up.progress(true)
		delay := ratelimit.Backoff(retries, up.u.opts.RetryBaseDelay, up.u.opts.RetryMaxDelay)
		up.l.WithFields(log.Fields{
			"chunk":   idx,
			"attempt": retries,
			"backoff": delay,
		}).WithError(err).Debug("retrying chunk")

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (up *upload) setState(idx int, s chunkState, err error) {
	up.mu.Lock()
	defer up.mu.Unlock()

	st := &up.statuses[idx]
	st.Status = s.status()
	switch s {
	case stateUploading:
		st.UploadedBytes = 0
		st.Progress = 0
		st.Error = ""
	case stateSuccess:
		st.UploadedBytes = st.Size
		st.Progress = 100
		st.Error = ""
	case stateRetrying:
		// the part is sent again in full
		st.UploadedBytes = 0
		st.Progress = 0
		if err != nil {
			st.Error = err.Error()
		}
	case stateFailed:
		if err != nil {
			st.Error = err.Error()
		}
	}
}

func (up *upload) addUploaded(idx int, n int) {
	up.mu.Lock()
	st := &up.statuses[idx]
	st.UploadedBytes += int64(n)
	if st.UploadedBytes > st.Size {
		// multipart framing is not part of the chunk
		st.UploadedBytes = st.Size
	}
	st.Progress = progress.Percent(st.UploadedBytes, st.Size)
	up.mu.Unlock()

	up.progress(false)
}

// progress emits a snapshot, throttled unless force is set. Progress is lossy:
// a full channel drops the event.
func (up *upload) progress(force bool) {
	if up.t.cancelled.Load() {
		return
	}
	send := func() {
		select {
		case up.t.events <- up.snapshot():
		default:
		}
	}
	if force {
		send()
		return
	}
	up.throttle.Do(send)
}

func (up *upload) snapshot() protocol.UploadProgress {
	up.mu.Lock()
	chunks := make([]protocol.ChunkStatus, len(up.statuses))
	copy(chunks, up.statuses)
	up.mu.Unlock()

	var uploaded int64
	for _, c := range chunks {
		uploaded += c.UploadedBytes
	}

	speed := progress.Speed(uploaded, time.Since(up.start))
	ev := protocol.UploadProgress{
		FileID:          up.fileID,
		FileName:        up.req.File.Name,
		TotalBytes:      up.plan.FileSize,
		UploadedBytes:   uploaded,
		OverallProgress: progress.Percent(uploaded, up.plan.FileSize),
		CompletedChunks: int(up.completed.Load()),
		TotalChunks:     up.plan.Count,
		Chunks:          chunks,
		UploadSpeed:     speed,
	}
	if up.plan.FileSize == 0 {
		ev.OverallProgress = 100
	}
	if speed > 0 {
		eta := progress.ETA(up.plan.FileSize-uploaded, speed).Seconds()
		ev.EstimatedTimeRemaining = &eta
	}
	return ev
}

// maybeComplete emits the terminal summary once every chunk was attempted.
// Concurrent callers race on terminal; exactly one wins.
func (up *upload) maybeComplete() {
	if up.completed.Load() < int64(up.plan.Count) || up.t.cancelled.Load() {
		return
	}
	if !up.terminal.CompareAndSwap(false, true) {
		return
	}

	elapsed := time.Since(up.start)
	failed := int(up.failed.Load())

	if up.req.CorrelationID != "" && failed == 0 {
		up.emit(protocol.FileComplete{FileID: up.fileID})
	}

	summary := protocol.UploadComplete{
		FileID:           up.fileID,
		FileName:         up.req.File.Name,
		TotalSize:        up.plan.FileSize,
		TotalChunks:      up.plan.Count,
		SuccessfulChunks: int(up.succeeded.Load()),
		FailedChunks:     failed,
		TotalTime:        elapsed.Milliseconds(),
		AverageSpeed:     progress.Speed(up.plan.FileSize, elapsed),
	}
	up.emit(summary)

	up.l.WithFields(log.Fields{
		"successful": summary.SuccessfulChunks,
		"failed":     summary.FailedChunks,
		"elapsed":    elapsed,
		"speed":      progress.FormatBytes(int64(summary.AverageSpeed)) + "/s",
	}).Info("upload finished")
}

func (up *upload) emit(ev protocol.Event) {
	up.t.events <- ev
}
