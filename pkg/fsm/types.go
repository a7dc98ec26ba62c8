package fsm

// MinimizeRequest is the FSM input
type MinimizeRequest struct {
	// Image is the source image: a local path, or an object key in the
	// configured bucket when FromS3 is set.
	Image  string
	FromS3 bool

	// OutputPath is where the compressed artifact is written.
	OutputPath string

	// MinimalSize is the target filesystem size in bytes.
	MinimalSize int64

	// PublishKey, when set, is the bucket key the artifact is uploaded to.
	PublishKey string
}

// MinimizeResponse is the FSM output (accumulated across transitions)
type MinimizeResponse struct {
	// From CheckDB
	RunID int64

	// From Fetch
	SHA256       string
	ImagePath    string
	OriginalSize int64

	// From Minimize
	CowUsed      int64
	ArtifactPath string
	ArtifactSize int64

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB  = "check_db"
	StateFetch    = "fetch"
	StateMinimize = "minimize"
	StatePublish  = "publish"
	StateComplete = "complete"
	StateFailed   = "failed"
)
