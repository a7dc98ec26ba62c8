package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// fakeSparseDisk keeps its backing file real so size checks during resize
// see the same state the code under test manipulates.
type fakeSparseDisk struct {
	fakeDisk
	backing string
	expands []int64
	truncs  []int64
}

func newFakeSparseDisk(t *testing.T, device string, size int64, materialize bool) *fakeSparseDisk {
	t.Helper()
	backing := filepath.Join(t.TempDir(), "backing.img")

	d := &fakeSparseDisk{
		fakeDisk: fakeDisk{device: device, size: size, exists: materialize},
		backing:  backing,
	}
	if materialize {
		if err := os.WriteFile(backing, nil, 0644); err != nil {
			t.Fatalf("creating backing file: %v", err)
		}
		if err := os.Truncate(backing, size); err != nil {
			t.Fatalf("sizing backing file: %v", err)
		}
	}
	return d
}

func (d *fakeSparseDisk) BackingFile() string { return d.backing }

func (d *fakeSparseDisk) Create(ctx context.Context) error {
	if !d.exists {
		if err := os.WriteFile(d.backing, nil, 0644); err != nil {
			return err
		}
		if err := os.Truncate(d.backing, d.size); err != nil {
			return err
		}
		d.exists = true
	}
	return d.fakeDisk.Create(ctx)
}

func (d *fakeSparseDisk) Expand(size int64) error {
	d.expands = append(d.expands, size)
	return os.Truncate(d.backing, size)
}

func (d *fakeSparseDisk) Truncate(size int64) error {
	d.truncs = append(d.truncs, size)
	return os.Truncate(d.backing, size)
}

func TestExtDiskMount_MountFormatsNewDisk(t *testing.T) {
	run := newFakeRunner()
	d := newFakeSparseDisk(t, "/dev/loop0", 8192, false)
	mountdir := filepath.Join(t.TempDir(), "mnt")

	m := NewExtDiskMount(run, d, mountdir, "ext4", 4096, "LiveOS", true)

	if err := m.Mount(context.Background()); err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	if !run.called("mkfs.ext4 -F -L LiveOS -m 1 -b 4096 /dev/loop0") {
		t.Errorf("expected mkfs invocation, calls: %v", run.calls)
	}
	if !run.called("tune2fs -c0 -i0 -Odir_index -ouser_xattr,acl /dev/loop0") {
		t.Errorf("expected tune2fs invocation, calls: %v", run.calls)
	}
	if !run.called("mount /dev/loop0 " + mountdir + " -t ext4") {
		t.Errorf("expected mount invocation, calls: %v", run.calls)
	}
}

func TestExtDiskMount_MountReusesExistingFilesystem(t *testing.T) {
	run := newFakeRunner()
	d := newFakeSparseDisk(t, "/dev/loop0", 8192, true)
	mountdir := filepath.Join(t.TempDir(), "mnt")

	m := NewExtDiskMount(run, d, mountdir, "ext4", 4096, "LiveOS", true)

	if err := m.Mount(context.Background()); err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	// The backing file already matches the declared size: neither a
	// format nor a resize should run.
	if run.called("mkfs.ext4") {
		t.Errorf("unexpected format of existing filesystem, calls: %v", run.calls)
	}
	if run.called("resize2fs") {
		t.Errorf("unexpected resize of matching filesystem, calls: %v", run.calls)
	}
	if !run.called("mount /dev/loop0") {
		t.Errorf("expected mount invocation, calls: %v", run.calls)
	}
}

func TestExtDiskMount_MountGrowsUndersizedFilesystem(t *testing.T) {
	run := newFakeRunner()
	d := newFakeSparseDisk(t, "/dev/loop0", 8192, true)
	if err := os.Truncate(d.backing, 4096); err != nil {
		t.Fatalf("shrinking backing file: %v", err)
	}
	mountdir := filepath.Join(t.TempDir(), "mnt")

	m := NewExtDiskMount(run, d, mountdir, "ext4", 4096, "LiveOS", true)

	if err := m.Mount(context.Background()); err != nil {
		t.Fatalf("mount failed: %v", err)
	}

	if len(d.expands) != 1 || d.expands[0] != 8192 {
		t.Errorf("expected sparse expand to 8192, got %v", d.expands)
	}
	if !run.called("resize2fs " + d.backing + " 8K") {
		t.Errorf("expected resize2fs invocation, calls: %v", run.calls)
	}
	if run.called("mkfs.ext4") {
		t.Errorf("unexpected format of existing filesystem, calls: %v", run.calls)
	}
}

func TestExtDiskMount_Resparse(t *testing.T) {
	run := newFakeRunner()
	run.outputs["dumpe2fs"] = []string{"Filesystem state:         clean\nBlock count:              256\nBlock size:               4096\n"}

	d := newFakeSparseDisk(t, "/dev/loop0", 8*1024*1024, true)
	mountdir := filepath.Join(t.TempDir(), "mnt")

	m := NewExtDiskMount(run, d, mountdir, "ext4", 4096, "LiveOS", true)

	minimal, err := m.Resparse(context.Background(), 0)
	if err != nil {
		t.Fatalf("resparse failed: %v", err)
	}

	if minimal != 256*4096 {
		t.Errorf("expected minimal size %d, got %d", 256*4096, minimal)
	}
	if !run.called("resize2fs " + d.backing + " -M") {
		t.Errorf("expected minimal resize, calls: %v", run.calls)
	}
	if len(d.truncs) != 1 || d.truncs[0] != 256*4096 {
		t.Errorf("expected truncate to %d, got %v", 256*4096, d.truncs)
	}
}

func TestExtDiskMount_ResparseRegrows(t *testing.T) {
	run := newFakeRunner()
	run.outputs["dumpe2fs"] = []string{"Block count:              256\n"}

	d := newFakeSparseDisk(t, "/dev/loop0", 8*1024*1024, true)
	mountdir := filepath.Join(t.TempDir(), "mnt")

	m := NewExtDiskMount(run, d, mountdir, "ext4", 4096, "LiveOS", true)

	minimal, err := m.Resparse(context.Background(), 4*1024*1024)
	if err != nil {
		t.Fatalf("resparse failed: %v", err)
	}
	if minimal != 256*4096 {
		t.Errorf("expected minimal size %d, got %d", 256*4096, minimal)
	}

	if len(d.expands) != 1 || d.expands[0] != 4*1024*1024 {
		t.Errorf("expected sparse expand to %d, got %v", 4*1024*1024, d.expands)
	}
	if !run.called("resize2fs " + d.backing + " 4096K") {
		t.Errorf("expected regrow resize, calls: %v", run.calls)
	}
}
