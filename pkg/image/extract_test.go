package image

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/jnaulty/livecd-tools/pkg/security"
)

type tarEntry struct {
	name     string
	typeflag byte
	linkname string
	content  string
}

func writeTarball(t *testing.T, dir string, entries []tarEntry) string {
	t.Helper()

	path := filepath.Join(dir, "root.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating tarball: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0755,
			Size:     int64(len(e.content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing header %s: %v", e.name, err)
		}
		if e.typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("writing content %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tarball: %v", err)
	}
	return path
}

func TestExtractTarball(t *testing.T) {
	dir := t.TempDir()
	tarball := writeTarball(t, dir, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/hostname", typeflag: tar.TypeReg, content: "livecd\n"},
		{name: "bin", typeflag: tar.TypeSymlink, linkname: "usr/bin"},
	})

	dest := filepath.Join(dir, "rootfs")
	v := security.NewValidator(1024, 4096, 100.0)

	if err := ExtractTarball(tarball, dest, v); err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(content) != "livecd\n" {
		t.Errorf("unexpected content: %q", content)
	}

	target, err := os.Readlink(filepath.Join(dest, "bin"))
	if err != nil {
		t.Fatalf("extracted symlink missing: %v", err)
	}
	if target != "usr/bin" {
		t.Errorf("unexpected symlink target: %q", target)
	}
}

func TestExtractTarball_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	tarball := writeTarball(t, dir, []tarEntry{
		{name: "../evil", typeflag: tar.TypeReg, content: "x"},
	})

	dest := filepath.Join(dir, "rootfs")
	v := security.NewValidator(1024, 4096, 100.0)

	if err := ExtractTarball(tarball, dest, v); err == nil {
		t.Fatal("expected error for path traversal entry")
	}
	if _, err := os.Stat(filepath.Join(dir, "evil")); !os.IsNotExist(err) {
		t.Error("traversal entry was written outside the tree")
	}
}

func TestExtractTarball_RejectsEscapingSymlink(t *testing.T) {
	dir := t.TempDir()
	tarball := writeTarball(t, dir, []tarEntry{
		{name: "escape", typeflag: tar.TypeSymlink, linkname: "../../outside"},
	})

	dest := filepath.Join(dir, "rootfs")
	v := security.NewValidator(1024, 4096, 100.0)

	if err := ExtractTarball(tarball, dest, v); err == nil {
		t.Fatal("expected error for escaping symlink")
	}
}

func TestExtractTarball_RejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	tarball := writeTarball(t, dir, []tarEntry{
		{name: "big", typeflag: tar.TypeReg, content: "0123456789"},
	})

	dest := filepath.Join(dir, "rootfs")
	v := security.NewValidator(5, 4096, 100.0)

	if err := ExtractTarball(tarball, dest, v); err == nil {
		t.Fatal("expected error for oversized file")
	}
	if _, err := os.Stat(filepath.Join(dest, "big")); !os.IsNotExist(err) {
		t.Error("oversized file was written")
	}
}
