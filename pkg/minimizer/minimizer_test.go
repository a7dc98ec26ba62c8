package minimizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner scripts the whole external tool pipeline. Outputs are queued
// per command-line prefix so repeated calls (losetup -f) can return
// different devices.
type fakeRunner struct {
	calls   []string
	outputs map[string][]string
	fail    map[string]error
	onCall  func(line string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string][]string),
		fail:    make(map[string]error),
	}
}

func (r *fakeRunner) line(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	line := r.line(name, args)
	r.calls = append(r.calls, line)
	if r.onCall != nil {
		r.onCall(line)
	}
	for prefix, err := range r.fail {
		if strings.HasPrefix(line, prefix) {
			return err
		}
	}
	return nil
}

func (r *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	line := r.line(name, args)
	r.calls = append(r.calls, line)
	for prefix, err := range r.fail {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}
	for prefix, outs := range r.outputs {
		if strings.HasPrefix(line, prefix) && len(outs) > 0 {
			out := outs[0]
			r.outputs[prefix] = outs[1:]
			return out, nil
		}
	}
	return "", nil
}

func (r *fakeRunner) Status(ctx context.Context, name string, args ...string) (int, error) {
	r.calls = append(r.calls, r.line(name, args))
	return 0, nil
}

func (r *fakeRunner) called(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func writeImage(t *testing.T, dir string, size int64) string {
	t.Helper()
	image := filepath.Join(dir, "ext3fs.img")
	if err := os.WriteFile(image, nil, 0644); err != nil {
		t.Fatalf("creating image: %v", err)
	}
	if err := os.Truncate(image, size); err != nil {
		t.Fatalf("sizing image: %v", err)
	}
	return image
}

func TestCreateImageMinimizer(t *testing.T) {
	dir := t.TempDir()
	image := writeImage(t, dir, 8*1024*1024)
	output := filepath.Join(dir, "osmin.img")

	run := newFakeRunner()
	run.outputs["losetup -f"] = []string{"/dev/loop0\n", "/dev/loop1\n"}
	run.outputs["dmsetup status"] = []string{"0 16384 snapshot 416/131072 8\n"}

	cowUsed, err := CreateImageMinimizer(context.Background(), run, output, image, 4*1024*1024)
	if err != nil {
		t.Fatalf("minimizer failed: %v", err)
	}

	if cowUsed != 416*512 {
		t.Errorf("expected cow used %d, got %d", 416*512, cowUsed)
	}

	// 8MiB origin is 16384 sectors.
	if run.called("dmsetup create livecd-") != 1 {
		t.Errorf("expected one snapshot create, calls: %v", run.calls)
	}
	found := false
	for _, c := range run.calls {
		if strings.HasPrefix(c, "dmsetup create") && strings.HasSuffix(c, "--table 0 16384 snapshot /dev/loop0 /dev/loop1 p 8") {
			found = true
		}
	}
	if !found {
		t.Errorf("snapshot table mismatch, calls: %v", run.calls)
	}

	if run.called("resize2fs /dev/mapper/livecd-") != 1 {
		t.Errorf("expected snapshot filesystem resize, calls: %v", run.calls)
	}
	if run.called("dmsetup remove livecd-") != 1 {
		t.Errorf("expected snapshot removal, calls: %v", run.calls)
	}
	if run.called("losetup -d") != 2 {
		t.Errorf("expected both loop devices detached, calls: %v", run.calls)
	}

	cowPath := filepath.Join(dir, CowFileName)
	if run.called("mksquashfs "+cowPath+" "+output) != 1 {
		t.Errorf("expected squashfs packaging, calls: %v", run.calls)
	}
	if _, err := os.Stat(cowPath); !os.IsNotExist(err) {
		t.Errorf("temporary COW file should be removed, stat err: %v", err)
	}
}

func TestCreateImageMinimizer_EmptyCow(t *testing.T) {
	dir := t.TempDir()
	image := writeImage(t, dir, 8*1024*1024)
	output := filepath.Join(dir, "osmin.img")
	cowPath := filepath.Join(dir, CowFileName)

	run := newFakeRunner()
	run.outputs["losetup -f"] = []string{"/dev/loop0\n", "/dev/loop1\n"}
	run.outputs["dmsetup status"] = []string{"0 16384 snapshot 0/131072 8\n"}

	// The COW file must already be truncated to the used byte count when
	// it is handed to mksquashfs.
	sizeAtCompress := int64(-1)
	run.onCall = func(line string) {
		if strings.HasPrefix(line, "mksquashfs") {
			if fi, err := os.Stat(cowPath); err == nil {
				sizeAtCompress = fi.Size()
			}
		}
	}

	cowUsed, err := CreateImageMinimizer(context.Background(), run, output, image, 4*1024*1024)
	if err != nil {
		t.Fatalf("minimizer failed: %v", err)
	}

	if cowUsed != 0 {
		t.Errorf("expected 0 cow bytes used, got %d", cowUsed)
	}
	if sizeAtCompress != 0 {
		t.Errorf("expected empty COW file at compression time, got %d bytes", sizeAtCompress)
	}
	if _, err := os.Stat(cowPath); !os.IsNotExist(err) {
		t.Errorf("temporary COW file should be removed, stat err: %v", err)
	}
}

func TestCreateImageMinimizer_ResizeFailure(t *testing.T) {
	dir := t.TempDir()
	image := writeImage(t, dir, 8*1024*1024)
	output := filepath.Join(dir, "osmin.img")

	run := newFakeRunner()
	run.outputs["losetup -f"] = []string{"/dev/loop0\n", "/dev/loop1\n"}
	run.fail["resize2fs"] = fmt.Errorf("resize2fs: bad magic number in super-block")

	_, err := CreateImageMinimizer(context.Background(), run, output, image, 4*1024*1024)
	if err == nil {
		t.Fatal("expected error from failed resize")
	}
	if !strings.Contains(err.Error(), "bad magic number") {
		t.Errorf("resize failure should be the reported error: %v", err)
	}

	// The snapshot and both loop devices are torn down anyway.
	if run.called("dmsetup remove livecd-") != 1 {
		t.Errorf("expected snapshot removal, calls: %v", run.calls)
	}
	if run.called("losetup -d") != 2 {
		t.Errorf("expected both loop devices detached, calls: %v", run.calls)
	}
	if run.called("mksquashfs") != 0 {
		t.Errorf("packaging should not run after a failure, calls: %v", run.calls)
	}
}

func TestCreateImageMinimizer_SnapshotCreateFailure(t *testing.T) {
	dir := t.TempDir()
	image := writeImage(t, dir, 8*1024*1024)
	output := filepath.Join(dir, "osmin.img")

	run := newFakeRunner()
	run.outputs["losetup -f"] = []string{"/dev/loop0\n", "/dev/loop1\n"}
	run.fail["dmsetup create"] = fmt.Errorf("device-mapper: reload ioctl failed")

	_, err := CreateImageMinimizer(context.Background(), run, output, image, 4*1024*1024)
	if err == nil {
		t.Fatal("expected error from failed snapshot create")
	}

	if run.called("losetup -d") != 2 {
		t.Errorf("expected both loop devices detached, calls: %v", run.calls)
	}
	if run.called("resize2fs") != 0 {
		t.Errorf("resize should not run after a failed create, calls: %v", run.calls)
	}
}
