package tracker

// Event is delivered to the presentation layer. Records inside events are snapshots.
type Event interface {
	event()
}

type DownloadStarted struct {
	ClientID string
	Folder   string
	Filename string
}

type DownloadProgress struct {
	Record Record
}

type DownloadCompleted struct {
	Record Record
}

type DownloadFailed struct {
	Record  Record
	Message string
}

// AllDownloadsComplete fires once every tracked download reached a terminal status.
type AllDownloadsComplete struct {
	Completed int
	Failed    int
}

func (DownloadStarted) event()      {}
func (DownloadProgress) event()     {}
func (DownloadCompleted) event()    {}
func (DownloadFailed) event()       {}
func (AllDownloadsComplete) event() {}

// Sink receives presentation events. Emit is called while the reconciler holds its lock,
// so implementations must not call back into the reconciler.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}
