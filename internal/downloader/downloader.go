package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/downloader/progress"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/trust"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	dirPerm     = 0755
	eventBuffer = 32
)

// ErrMissingParameters is returned when url, folder or filename is empty.
var ErrMissingParameters = errors.New("missing required parameters")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("downloader is shut down")

// Resolver maps a folder and filename to the destination path.
type Resolver interface {
	Destination(folder, filename string) (string, error)
}

// Broadcaster pushes a message to every progress subscriber.
type Broadcaster interface {
	Broadcast(ctx context.Context, msgType string, data any)
}

// Options tune a Downloader. Zero values pick the defaults.
type Options struct {
	MaxParallel      int
	KeepFinishedFor  time.Duration
	ProgressInterval time.Duration
	HeadTimeout      time.Duration
	BandwidthLimit   int64 // bytes per second per download, 0 for unlimited

	HTTPClient  *http.Client
	Filter      *trust.Filter
	History     storage.DownloadWriteRepository
	Broadcaster Broadcaster
	Telemetry   *telemetry.Telemetry
}

// Downloader fetches models in the background. Each accepted request gets a server id,
// runs detached from the HTTP request that created it, and reports its progress through
// the Broadcaster.
type Downloader struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	folders     Resolver
	httpClient  *http.Client
	filter      *trust.Filter
	history     storage.DownloadWriteRepository
	broadcaster Broadcaster
	telemetry   *telemetry.Telemetry

	sem              chan struct{}
	keepFinishedFor  time.Duration
	progressInterval time.Duration
	headTimeout      time.Duration
	bandwidthLimit   int64

	freeSpace func(ctx context.Context, dir string) (uint64, error)
	now       func() time.Time

	mu       sync.RWMutex
	active   map[string]*Download
	issued   map[string]struct{}
	reserved map[string]string // destination path -> download id
	closed   bool

	OnDownloadFinished chan Download
	OnDownloadFailed   chan Download
}

func NewDownloader(ctx context.Context, folders Resolver, opts Options) *Downloader {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 3
	}

	if opts.KeepFinishedFor <= 0 {
		opts.KeepFinishedFor = time.Minute
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = time.Second
	}

	if opts.HeadTimeout <= 0 {
		opts.HeadTimeout = 30 * time.Second
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Downloader{
		ctx:                ctx,
		cancel:             cancel,
		folders:            folders,
		httpClient:         opts.HTTPClient,
		filter:             opts.Filter,
		history:            opts.History,
		broadcaster:        opts.Broadcaster,
		telemetry:          opts.Telemetry,
		sem:                make(chan struct{}, opts.MaxParallel),
		keepFinishedFor:    opts.KeepFinishedFor,
		progressInterval:   opts.ProgressInterval,
		headTimeout:        opts.HeadTimeout,
		bandwidthLimit:     opts.BandwidthLimit,
		freeSpace:          diskFree,
		now:                time.Now,
		active:             make(map[string]*Download),
		issued:             make(map[string]struct{}),
		reserved:           make(map[string]string),
		OnDownloadFinished: make(chan Download, eventBuffer),
		OnDownloadFailed:   make(chan Download, eventBuffer),
	}
}

// Close aborts running downloads, waits for them and closes the event channels.
func (d *Downloader) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	close(d.OnDownloadFinished)
	close(d.OnDownloadFailed)
}

// Enqueue validates req and starts the download in the background. It returns as soon
// as the download is registered; failures after that point are reported as progress.
func (d *Downloader) Enqueue(ctx context.Context, req Request) (Download, error) {
	if req.URL == "" || req.Folder == "" || req.Filename == "" {
		return Download{}, ErrMissingParameters
	}

	if d.filter != nil {
		if err := d.filter.Check(req.URL); err != nil {
			return Download{}, err
		}
	}

	path, err := d.folders.Destination(req.Folder, req.Filename)
	if err != nil {
		return Download{}, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return Download{}, ErrClosed
	}

	now := d.now()
	dl := &Download{
		ID:        d.nextID(req, now),
		URL:       req.URL,
		Folder:    req.Folder,
		Filename:  req.Filename,
		Path:      path,
		Status:    StatusQueued,
		StartedAt: now,
	}
	d.active[dl.ID] = dl
	snap := *dl

	d.wg.Add(1)
	d.mu.Unlock()

	// keep the caller's logger, not its cancellation
	jobCtx := logctx.WithDownloadID(logctx.WithLogger(d.ctx, logctx.LoggerFromContext(ctx)), dl.ID)

	logctx.LoggerFromContext(jobCtx).InfoContext(jobCtx, "download queued",
		"url", logctx.SafeURL(req.URL), "folder", req.Folder, "filename", req.Filename)

	d.track(jobCtx, snap)
	d.broadcast(jobCtx, snap)

	go d.run(jobCtx, dl.ID)

	return snap, nil
}

// Get returns the state of an active or recently finished download.
func (d *Downloader) Get(id string) (Download, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dl, ok := d.active[id]
	if !ok {
		return Download{}, false
	}

	return *dl, true
}

// Active returns every download still held in memory, oldest first.
func (d *Downloader) Active() []Download {
	d.mu.RLock()
	out := make([]Download, 0, len(d.active))

	for _, dl := range d.active {
		out = append(out, *dl)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}

		return out[i].StartedAt.Before(out[j].StartedAt)
	})

	return out
}

// nextID must be called with d.mu held.
func (d *Downloader) nextID(req Request, now time.Time) string {
	base := req.Folder + "_" + req.Filename + "_" + strconv.FormatInt(now.Unix(), 10)

	id := base
	for n := 1; ; n++ {
		if _, taken := d.issued[id]; !taken {
			break
		}

		id = base + "-" + strconv.Itoa(n)
	}

	d.issued[id] = struct{}{}

	return id
}

func (d *Downloader) run(ctx context.Context, id string) {
	defer d.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.fail(ctx, id, ctx.Err())

		return
	}
	defer func() { <-d.sem }()

	snap := d.update(id, func(dl *Download) { dl.Status = StatusDownloading })
	d.broadcast(ctx, snap)

	err := d.telemetry.InstrumentDownload(ctx, snap.Folder, func(ctx context.Context) error {
		return d.download(ctx, id, logger)
	})
	if err != nil {
		logger.ErrorContext(ctx, "download failed", "err", err)
		d.fail(ctx, id, err)

		return
	}

	d.complete(ctx, id)
}

func (d *Downloader) download(ctx context.Context, id string, logger *slog.Logger) error {
	dl, _ := d.Get(id)

	total := d.probeSize(ctx, dl.URL, logger)

	dir := filepath.Dir(dl.Path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		d.telemetry.RecordSystemError("downloader", "mkdir")

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	if err := d.checkSpace(ctx, dir, total, logger); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}

	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength

		if err := d.checkSpace(ctx, dir, total, logger); err != nil {
			return err
		}
	}

	path := d.reservePath(id, dl.Path)
	defer d.releasePath(path)

	d.update(id, func(dl *Download) {
		dl.Path = path
		dl.TotalSize = total
	})

	logger.InfoContext(ctx, "downloading model", "path", path, "size", humanize.IBytes(uint64(max(total, 0))))

	written, err := d.writeFile(ctx, id, path, resp.Body, total)
	d.telemetry.AddDownloadedBytes(dl.Folder, written)

	if err != nil {
		return err
	}

	d.update(id, func(dl *Download) {
		dl.Downloaded = written
		if dl.TotalSize <= 0 {
			dl.TotalSize = written
		}
	})

	logger.InfoContext(ctx, "downloaded and saved model", "path", path, "size", humanize.IBytes(uint64(written)))

	return nil
}

// writeFile streams body into a partial file and renames it into place.
func (d *Downloader) writeFile(ctx context.Context, id, path string, body io.Reader, total int64) (int64, error) {
	partial := path + cleanup.PartialSuffix

	out, err := os.Create(partial)
	if err != nil {
		d.telemetry.RecordSystemError("downloader", "create_file")

		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	start := d.now()
	throttle := &rate.Sometimes{Interval: d.progressInterval}

	pr := progress.NewReader(progress.NewLimitedReader(ctx, body, d.bandwidthLimit), total, func(written, total int64) {
		throttle.Do(func() {
			stats := progress.Measure(written, total, d.now().Sub(start))
			snap := d.update(id, func(dl *Download) {
				dl.Downloaded = written
				dl.Percent = stats.Percent
				dl.Speed = stats.SpeedMBps
				dl.ETA = stats.ETASeconds
			})
			d.broadcast(ctx, snap)
		})
	})

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(partial)

		d.telemetry.RecordSystemError("downloader", "write_file")

		return pr.Written(), fmt.Errorf("failed to write model file: %w", err)
	}

	if total > 0 && pr.Written() != total {
		_ = os.Remove(partial)

		return pr.Written(), fmt.Errorf("incomplete download: got %s of %s",
			humanize.IBytes(uint64(pr.Written())), humanize.IBytes(uint64(total)))
	}

	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)

		d.telemetry.RecordSystemError("downloader", "rename_file")

		return pr.Written(), fmt.Errorf("failed to move model into place: %w", err)
	}

	return pr.Written(), nil
}

// probeSize asks for Content-Length with a HEAD request. 0 means unknown.
func (d *Downloader) probeSize(ctx context.Context, url string, logger *slog.Logger) int64 {
	ctx, cancel := context.WithTimeout(ctx, d.headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "size probe failed", "err", err)

		return 0
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0
	}

	return resp.ContentLength
}

func (d *Downloader) checkSpace(ctx context.Context, dir string, need int64, logger *slog.Logger) error {
	if need <= 0 || d.freeSpace == nil {
		return nil
	}

	free, err := d.freeSpace(ctx, dir)
	if err != nil {
		logger.WarnContext(ctx, "could not determine free disk space", "dir", dir, "err", err)
		d.telemetry.RecordSystemError("downloader", "disk_usage")

		return nil
	}

	if free < uint64(need) {
		return &InsufficientSpaceError{Dir: dir, Needed: uint64(need), Available: free}
	}

	return nil
}

func diskFree(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}

	return usage.Free, nil
}

// reservePath picks a destination that neither exists on disk nor belongs to another
// running download. A taken name gets a _<unix> suffix before its extension.
func (d *Downloader) reservePath(id, path string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	taken := func(p string) bool {
		if _, ok := d.reserved[p]; ok {
			return true
		}

		_, err := os.Stat(p)

		return err == nil
	}

	candidate := path
	if taken(candidate) {
		ext := filepath.Ext(path)
		stem := strings.TrimSuffix(path, ext) + "_" + strconv.FormatInt(d.now().Unix(), 10)

		candidate = stem + ext
		for n := 1; taken(candidate); n++ {
			candidate = stem + "-" + strconv.Itoa(n) + ext
		}
	}

	d.reserved[candidate] = id

	return candidate
}

func (d *Downloader) releasePath(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.reserved, path)
}

func (d *Downloader) update(id string, fn func(*Download)) Download {
	d.mu.Lock()
	defer d.mu.Unlock()

	dl, ok := d.active[id]
	if !ok {
		return Download{ID: id}
	}

	fn(dl)

	return *dl
}

func (d *Downloader) complete(ctx context.Context, id string) {
	snap := d.update(id, func(dl *Download) {
		dl.Status = StatusCompleted
		dl.FinishedAt = d.now()
		dl.ETA = 0
		dl.Downloaded = max(dl.Downloaded, dl.TotalSize)

		if dl.TotalSize > 0 {
			dl.Percent = 100
		}
	})

	d.finish(ctx, snap, d.OnDownloadFinished)
}

func (d *Downloader) fail(ctx context.Context, id string, cause error) {
	snap := d.update(id, func(dl *Download) {
		dl.Status = StatusError
		dl.Error = cause.Error()
		dl.FinishedAt = d.now()
		dl.Speed = 0
		dl.ETA = 0
	})

	d.finish(ctx, snap, d.OnDownloadFailed)
}

func (d *Downloader) finish(ctx context.Context, snap Download, events chan<- Download) {
	d.broadcast(ctx, snap)

	if d.history != nil {
		// the job context may already be cancelled during shutdown
		hctx := context.WithoutCancel(ctx)
		if err := d.history.UpdateDownloadStatus(hctx, snap.ID, string(snap.Status), snap.Error, snap.Path, snap.TotalSize); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record download outcome", "err", err)
		}
	}

	select {
	case events <- snap:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "download event dropped, no listener keeping up", "status", snap.Status)
	}

	time.AfterFunc(d.keepFinishedFor, func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.active, snap.ID)
	})
}

func (d *Downloader) track(ctx context.Context, snap Download) {
	if d.history == nil {
		return
	}

	rec := storage.DownloadRecord{
		DownloadID: snap.ID,
		URL:        logctx.SafeURL(snap.URL),
		Folder:     snap.Folder,
		Filename:   snap.Filename,
		Path:       snap.Path,
		Status:     string(snap.Status),
	}

	if err := d.history.TrackDownload(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record download", "err", err)
	}
}

func (d *Downloader) broadcast(ctx context.Context, snap Download) {
	if d.broadcaster == nil {
		return
	}

	d.broadcaster.Broadcast(ctx, ProgressMessageType, snap.Progress())
}
