package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/model_downloader/internal/logctx"
)

// UnresolvedNotificationWarning reports a notification that matched no local record.
// It is informational: the reconciliation loop always continues.
type UnresolvedNotificationWarning struct {
	DownloadID string
	Status     Status
	Cached     bool // true when the notification was kept for a later replay
}

func (w *UnresolvedNotificationWarning) Error() string {
	if w.Cached {
		return fmt.Sprintf("no download matches %s (%s), cached for replay", w.DownloadID, w.Status)
	}

	return fmt.Sprintf("no download matches %s (%s), dropped", w.DownloadID, w.Status)
}

// Reconciler applies backend notifications to the registry and renders the result on the
// UI handles. All of its operations are serialized.
type Reconciler struct {
	mu sync.Mutex

	reg  *Registry
	gate *Gate
	sink Sink
}

// NewReconciler wires a reconciler to reg. A nil sink discards events.
func NewReconciler(reg *Registry, sink Sink) *Reconciler {
	if sink == nil {
		sink = discardSink{}
	}

	return &Reconciler{
		reg:  reg,
		gate: NewGate(reg, sink),
		sink: sink,
	}
}

// Registry returns the registry the reconciler mutates.
func (r *Reconciler) Registry() *Registry {
	return r.reg
}

// Gate returns the completion gate.
func (r *Reconciler) Gate() *Gate {
	return r.gate
}

// Begin registers a download attempt and immediately puts its handle in the downloading state.
func (r *Reconciler) Begin(url, folder, filename string, h Handle) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.reg.Create(folder, filename, url, h)

	recs := r.reg.Resolve(id)
	if len(recs) > 0 {
		renderStarting(h, recs[0])
	}

	r.sink.Emit(DownloadStarted{ClientID: id, Folder: folder, Filename: filename})

	return id
}

// Attach links the server id to the attempt and replays a terminal notification that
// arrived before the initiation response.
func (r *Reconciler) Attach(ctx context.Context, clientID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("client_id", clientID, "download_id", serverID)

	rec, cached := r.reg.AttachServerID(clientID, serverID)
	if rec == nil {
		logger.Warn("attach for unknown download attempt")

		return
	}

	if cached == nil {
		return
	}

	logger.Info("replaying cached notification", "status", cached.Status)

	status, err := ParseStatus(cached.Status)
	if err != nil {
		return
	}

	r.applyTo(ctx, rec, *cached, status)
}

// Fail marks an attempt as failed without going through a notification, e.g. when the
// initiation request itself failed.
func (r *Reconciler) Fail(ctx context.Context, clientID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := defaultFailure
	if cause != nil {
		msg = cause.Error()
	}

	for _, rec := range r.reg.Resolve(clientID) {
		r.applyTo(ctx, rec, Notification{DownloadID: clientID, Error: msg}, StatusError)
	}
}

// Apply reconciles one notification. The returned error is an
// *UnresolvedNotificationWarning when nothing matched, or a parse error for an unknown
// status; neither should stop the caller's loop.
func (r *Reconciler) Apply(ctx context.Context, n Notification) error {
	status, err := ParseStatus(n.Status)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.reg.Resolve(n.DownloadID)
	if len(recs) == 0 {
		recs = r.reg.MatchFile(n.Folder, n.Filename)
	}

	if len(recs) == 0 {
		if !status.IsTerminal() {
			return &UnresolvedNotificationWarning{DownloadID: n.DownloadID, Status: status}
		}

		r.reg.Stash(n)

		return &UnresolvedNotificationWarning{DownloadID: n.DownloadID, Status: status, Cached: true}
	}

	for _, rec := range recs {
		r.applyTo(ctx, rec, n, status)
	}

	return nil
}

// applyTo must be called with r.mu held.
func (r *Reconciler) applyTo(ctx context.Context, rec *Record, n Notification, status Status) {
	var (
		frozen bool
		snap   Record
	)

	r.reg.update(rec, func(rec *Record) {
		if rec.Status.IsTerminal() {
			frozen = true

			return
		}

		rec.Percent = n.Percent
		rec.DownloadedBytes = n.Downloaded
		rec.TotalBytes = n.TotalSize
		rec.Speed = n.Speed
		rec.ETASeconds = n.ETA
		rec.Status = status

		rec.ErrorMessage = ""
		if status == StatusError {
			rec.ErrorMessage = n.Error
			if rec.ErrorMessage == "" {
				rec.ErrorMessage = defaultFailure
			}
		}

		snap = rec.Snapshot()
	})

	if frozen {
		logctx.LoggerFromContext(ctx).Debug("ignoring notification for finished download",
			"client_id", rec.ClientID, "status", status)

		return
	}

	switch status {
	case StatusCompleted:
		renderCompleted(snap.Handle)
		r.sink.Emit(DownloadCompleted{Record: snap})
	case StatusError:
		renderFailed(snap.Handle, snap.ErrorMessage)
		r.sink.Emit(DownloadFailed{Record: snap, Message: snap.ErrorMessage})
	default:
		renderProgress(snap.Handle, &snap)
		r.sink.Emit(DownloadProgress{Record: snap})

		return
	}

	r.gate.Check()
}
