// Package fsm implements the image minimization workflow. It orchestrates
// looking up or creating the run record, fetching the source image,
// running the minimizer and publishing the artifact, using the
// superfly/fsm library for durable, resumable execution.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/jnaulty/livecd-tools/pkg/db"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
	"github.com/jnaulty/livecd-tools/pkg/security"
	"github.com/jnaulty/livecd-tools/pkg/storage"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	s3Client   *storage.Client
	validator  *security.Validator
	run        runner.Runner
	workDir    string
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies. s3Client may be
// nil when neither fetching nor publishing through S3 is configured.
func NewMachine(
	repo *db.Repository,
	s3Client *storage.Client,
	validator *security.Validator,
	run runner.Runner,
	workDir string,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:       repo,
		s3Client:   s3Client,
		validator:  validator,
		run:        run,
		workDir:    workDir,
		maxRetries: maxRetries,
	}
}

// Register registers the minimize workflow FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[MinimizeRequest, MinimizeResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[MinimizeRequest, MinimizeResponse](manager, "minimize").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateFetch, m.handleFetch).
		To(StateMinimize, m.handleMinimize).
		To(StatePublish, m.handlePublish).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
