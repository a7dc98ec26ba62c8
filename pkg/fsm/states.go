package fsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/superfly/fsm"

	"github.com/jnaulty/livecd-tools/pkg/db"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/minimizer"
)

// handleCheckDB looks up or creates the run record (idempotency)
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[MinimizeRequest, MinimizeResponse]) (*fsm.Response[MinimizeResponse], error) {
	slog.Info("fsm_state_check_db", "image", req.Msg.Image)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	run, err := m.repo.GetByImage(req.Msg.Image)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &MinimizeResponse{}
	}

	if run != nil {
		resp.RunID = run.ID
		resp.SHA256 = run.SHA256
		resp.Status = run.Status
		if run.Status == db.StatusReady {
			slog.Info("run_already_ready", "image", req.Msg.Image, "run_id", run.ID)
			return fsm.NewResponse(resp), nil
		}
		slog.Info("run_found_continue", "image", req.Msg.Image, "run_id", run.ID, "status", run.Status)
	} else {
		run = &db.Run{
			Image:  req.Msg.Image,
			SHA256: "",
			Status: db.StatusPending,
		}
		if err := m.repo.Create(run); err != nil {
			return nil, errors.Wrap(err, "failed to create run record")
		}
		resp.RunID = run.ID
		slog.Info("run_created", "image", req.Msg.Image, "run_id", run.ID)
	}

	return fsm.NewResponse(resp), nil
}

// handleFetch locates the source image: downloads it from S3 or validates
// the local file, computing its checksum either way.
func (m *Machine) handleFetch(ctx context.Context, req *fsm.Request[MinimizeRequest, MinimizeResponse]) (*fsm.Response[MinimizeResponse], error) {
	slog.Info("fsm_state_fetch", "image", req.Msg.Image, "from_s3", req.Msg.FromS3)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}

	if err := m.repo.UpdateStatus(resp.RunID, db.StatusFetching, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	if req.Msg.FromS3 {
		if m.s3Client == nil {
			return nil, fsm.Abort(fmt.Errorf("image %q requires S3 but no bucket is configured", req.Msg.Image))
		}

		exists, err := m.s3Client.Exists(ctx, req.Msg.Image)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check object")
		}
		if !exists {
			m.repo.UpdateStatus(resp.RunID, db.StatusFailed, "object not found")
			return nil, fsm.Abort(fmt.Errorf("object %q not found in bucket", req.Msg.Image))
		}

		downloadDir := filepath.Join(m.workDir, "downloads")
		if err := os.MkdirAll(downloadDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create download dir")
		}

		localPath := filepath.Join(downloadDir, filepath.Base(req.Msg.Image))
		result, err := m.s3Client.Download(ctx, req.Msg.Image, localPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to download from S3")
		}

		resp.SHA256 = result.SHA256
		resp.ImagePath = result.LocalPath
		resp.OriginalSize = result.Size
	} else {
		fi, err := os.Stat(req.Msg.Image)
		if err != nil {
			m.repo.UpdateStatus(resp.RunID, db.StatusFailed, err.Error())
			return nil, fsm.Abort(errors.Wrap(err, "source image not found"))
		}

		checksum, err := hashFile(req.Msg.Image)
		if err != nil {
			return nil, errors.Wrap(err, "failed to checksum source image")
		}

		resp.SHA256 = checksum
		resp.ImagePath = req.Msg.Image
		resp.OriginalSize = fi.Size()
	}

	if err := m.validator.ValidateFileSize(resp.OriginalSize); err != nil {
		m.repo.UpdateStatus(resp.RunID, db.StatusFailed, err.Error())
		return nil, fsm.Abort(err)
	}

	run, _ := m.repo.GetByImage(req.Msg.Image)
	if run != nil {
		run.SHA256 = resp.SHA256
		run.OriginalSize = resp.OriginalSize
		if err := m.repo.Update(run); err != nil {
			return nil, errors.Wrap(err, "failed to update run")
		}
	}

	slog.Info("fetch_complete", "image", req.Msg.Image, "size_mb", resp.OriginalSize/1024/1024, "sha256", resp.SHA256[:16]+"...")
	return fsm.NewResponse(resp), nil
}

// handleMinimize runs the minimization algorithm against the fetched image
func (m *Machine) handleMinimize(ctx context.Context, req *fsm.Request[MinimizeRequest, MinimizeResponse]) (*fsm.Response[MinimizeResponse], error) {
	slog.Info("fsm_state_minimize", "image", req.Msg.Image, "output", req.Msg.OutputPath)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}

	if err := m.repo.UpdateStatus(resp.RunID, db.StatusMinimizing, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}

	if err := os.MkdirAll(filepath.Dir(req.Msg.OutputPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create output dir")
	}

	cowUsed, err := minimizer.CreateImageMinimizer(ctx, m.run, req.Msg.OutputPath, resp.ImagePath, req.Msg.MinimalSize)
	if err != nil {
		slog.Error("minimize_failed", "image", req.Msg.Image, "error", err)
		m.repo.UpdateStatus(resp.RunID, db.StatusFailed, err.Error())
		return nil, errors.Wrap(err, "minimize failed")
	}

	fi, err := os.Stat(req.Msg.OutputPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat artifact")
	}

	resp.CowUsed = cowUsed
	resp.ArtifactPath = req.Msg.OutputPath
	resp.ArtifactSize = fi.Size()

	run, _ := m.repo.GetByImage(req.Msg.Image)
	if run != nil {
		run.ArtifactPath = resp.ArtifactPath
		run.MinimalSize = req.Msg.MinimalSize
		run.CowUsed = cowUsed
		if err := m.repo.Update(run); err != nil {
			return nil, errors.Wrap(err, "failed to update run")
		}
	}

	slog.Info("minimize_complete", "image", req.Msg.Image, "cow_used", cowUsed, "artifact_size", resp.ArtifactSize)
	return fsm.NewResponse(resp), nil
}

// handlePublish uploads the artifact when a publish key is configured
func (m *Machine) handlePublish(ctx context.Context, req *fsm.Request[MinimizeRequest, MinimizeResponse]) (*fsm.Response[MinimizeResponse], error) {
	slog.Info("fsm_state_publish", "image", req.Msg.Image, "publish_key", req.Msg.PublishKey)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if req.Msg.PublishKey == "" || resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}
	if m.s3Client == nil {
		return nil, fsm.Abort(fmt.Errorf("publish key %q requires S3 but no bucket is configured", req.Msg.PublishKey))
	}

	if err := m.s3Client.Upload(ctx, resp.ArtifactPath, req.Msg.PublishKey); err != nil {
		return nil, errors.Wrap(err, "failed to publish artifact")
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run as ready
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[MinimizeRequest, MinimizeResponse]) (*fsm.Response[MinimizeResponse], error) {
	slog.Info("fsm_state_complete", "image", req.Msg.Image)

	resp := req.W.Msg
	if resp == nil {
		resp = &MinimizeResponse{}
	}

	if err := m.repo.UpdateStatus(resp.RunID, db.StatusReady, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusReady

	slog.Info("fsm_complete", "image", req.Msg.Image, "status", db.StatusReady)
	return fsm.NewResponse(resp), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
