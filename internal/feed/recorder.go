package feed

// Connection roles reported to a [Recorder].
const (
	RoleProducer = "producer"
	RoleObserver = "observer"
)

// Recorder receives pipeline events. Implemented by the metrics package.
type Recorder interface {
	ConnectionOpened(role string)
	ConnectionClosed(role string)
	FrameRejected(kind string)
	ReadingPublished(delivered, failed int)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened(string) {}
func (nopRecorder) ConnectionClosed(string) {}
func (nopRecorder) FrameRejected(string) {}
func (nopRecorder) ReadingPublished(int, int) {}
