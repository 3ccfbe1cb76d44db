package domain

import "context"

// DocumentEngine is the single-file capability a batch is run against.
// The result value is opaque to the coordinator; it is only stored.
type DocumentEngine interface {
	// Kind returns the job kind this engine serves
	Kind() JobKind

	// Process runs the engine on one file
	Process(ctx context.Context, path string) (any, error)

	// Close releases resources held by the engine
	Close() error
}

// EngineParams carries the per-kind parameters forwarded to engine construction
type EngineParams struct {
	Lang    string `json:"lang"`
	Version string `json:"version"`
}

// EngineFactory builds engines; construction belongs to the engines, not the coordinator
type EngineFactory interface {
	// NewEngine constructs an engine for the given kind and parameters
	NewEngine(ctx context.Context, kind JobKind, params EngineParams) (DocumentEngine, error)

	// CacheKey returns the configuration tuple that identifies an engine instance
	CacheKey(kind JobKind, params EngineParams) string
}

// FileProcessor invokes an engine for every file and emits outcomes in file order.
// Processing stops early when emit returns false.
type FileProcessor interface {
	ProcessFiles(ctx context.Context, files []string, engine DocumentEngine, emit func(FileOutcome) bool) error
}

// ResultExporter materializes a job's results to durable storage
type ResultExporter interface {
	Export(ctx context.Context, job *BatchJob, outputDir string) (*ExportResult, error)
}
