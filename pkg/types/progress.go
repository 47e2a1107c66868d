package types

// Stage identifies a phase of a long-running indexing job.
type Stage string

const (
	StageStarting             Stage = "starting"
	StageProcessingFiles      Stage = "processing_files"
	StageGeneratingEmbeddings Stage = "generating_embeddings"
	StageCompleted            Stage = "completed"
	StageError                Stage = "error"
)

// Progress is an advisory snapshot of a long-running operation.
type Progress struct {
	Stage          Stage
	CurrentFile    string
	FilesCompleted int
	TotalFiles     int
	FilesPerSecond float64
	Message        string
}

// ProgressSink receives progress updates. Implementations must not block.
type ProgressSink interface {
	Report(Progress)
}

// ProgressFunc adapts a function into a ProgressSink.
type ProgressFunc func(Progress)

// Report implements ProgressSink.
func (f ProgressFunc) Report(p Progress) {
	if f != nil {
		f(p)
	}
}

// NopProgress discards every update.
var NopProgress ProgressSink = ProgressFunc(nil)

// ReportInterval returns how many completed files should pass between
// ProcessingFiles updates so that at most ~100 are emitted.
func ReportInterval(total int) int {
	if total <= 100 {
		return 1
	}
	return (total + 99) / 100
}
