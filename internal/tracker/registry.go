package tracker

import (
	"strconv"
	"sync"
	"time"
)

// Registry indexes download records by client id and, once known, by server id.
// Records are never removed for the lifetime of the registry.
type Registry struct {
	mu sync.RWMutex

	byClient map[string]*Record
	byServer map[string]*Record
	records  []*Record

	// terminal notifications that arrived before a record carried their id
	completed map[string]Notification

	seq        uint64
	generation uint64
	now        func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClient:  make(map[string]*Record),
		byServer:  make(map[string]*Record),
		completed: make(map[string]Notification),
		now:       time.Now,
	}
}

// Create registers a new download attempt in the downloading state and returns its client id.
func (r *Registry) Create(folder, filename, url string, h Handle) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.generation++

	id := folder + "_" + filename + "_" + strconv.FormatInt(r.now().UnixMilli(), 10) + "-" + strconv.FormatUint(r.seq, 10)

	rec := &Record{
		ClientID: id,
		URL:      url,
		Folder:   folder,
		Filename: filename,
		Status:   StatusDownloading,
		Handle:   h,
	}

	r.byClient[id] = rec
	r.records = append(r.records, rec)

	return id
}

// AttachServerID makes the record for clientID reachable by serverID as well. It returns
// the record (nil for an unknown client id) and the terminal notification cached for
// serverID, if any. The cached entry is consumed.
func (r *Registry) AttachServerID(clientID, serverID string) (*Record, *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byClient[clientID]
	if !ok || serverID == "" {
		return nil, nil
	}

	rec.ServerID = serverID
	r.byServer[serverID] = rec

	if rec.Handle != nil {
		rec.Handle.SetAttr(AttrServerID, serverID)
	}

	cached, ok := r.completed[serverID]
	if !ok {
		return rec, nil
	}

	delete(r.completed, serverID)

	return rec, &cached
}

// Resolve returns the records reachable under id through either index.
func (r *Registry) Resolve(id string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record

	if rec, ok := r.byServer[id]; ok {
		out = append(out, rec)
	}

	if rec, ok := r.byClient[id]; ok && (len(out) == 0 || out[0] != rec) {
		out = append(out, rec)
	}

	return out
}

// MatchFile returns every record targeting folder/filename.
func (r *Registry) MatchFile(folder, filename string) []*Record {
	if folder == "" || filename == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record

	for _, rec := range r.records {
		if rec.Folder == folder && rec.Filename == filename {
			out = append(out, rec)
		}
	}

	return out
}

// Stash caches a terminal notification nobody claimed yet.
func (r *Registry) Stash(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed[n.DownloadID] = n
}

// Stashed returns the cached notification for id.
func (r *Registry) Stashed(id string) (Notification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.completed[id]

	return n, ok
}

// AllTerminal is true iff the registry is not empty and every record is terminal.
func (r *Registry) AllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.records) == 0 {
		return false
	}

	for _, rec := range r.records {
		if !rec.Status.IsTerminal() {
			return false
		}
	}

	return true
}

// Len returns the number of tracked records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records)
}

// Generation advances on every Create.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.generation
}

// Records returns snapshots of every record in creation order.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Snapshot())
	}

	return out
}

// Lookup returns a snapshot of the record for a client or server id.
func (r *Registry) Lookup(id string) (Record, bool) {
	recs := r.Resolve(id)
	if len(recs) == 0 {
		return Record{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return recs[0].Snapshot(), true
}

func (r *Registry) counts() (completed, failed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		switch rec.Status {
		case StatusCompleted:
			completed++
		case StatusError:
			failed++
		}
	}

	return completed, failed
}

// update runs fn on rec under the write lock.
func (r *Registry) update(rec *Record, fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(rec)
}
