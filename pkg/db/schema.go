package db

// Schema defines the SQLite schema for the run registry. A run records one
// build or minimize of a source image and the artifact it produced.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    image TEXT NOT NULL UNIQUE,
    sha256 TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'fetching', 'minimizing', 'ready', 'failed', 'cleaned')),
    artifact_path TEXT,
    original_size INTEGER,
    minimal_size INTEGER,
    cow_used INTEGER,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_image ON runs(image);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Status constants
const (
	StatusPending    = "pending"
	StatusFetching   = "fetching"
	StatusMinimizing = "minimizing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusCleaned    = "cleaned"
)

// Run represents one build or minimize of a source image.
type Run struct {
	ID           int64
	Image        string
	SHA256       string
	Status       string
	ArtifactPath string
	OriginalSize int64
	MinimalSize  int64
	CowUsed      int64
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
