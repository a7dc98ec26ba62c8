// Package image populates filesystem trees from root tarballs.
package image

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/security"
)

// ExtractTarball extracts tarPath into destDir, validating every member
// against the validator's path and size limits. destDir is typically a
// freshly formatted, mounted filesystem image.
func ExtractTarball(tarPath, destDir string, validator *security.Validator) error {
	validator.Reset()

	f, err := os.Open(tarPath)
	if err != nil {
		return errors.Wrap(err, "opening tarball")
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading tarball")
		}

		if err := validator.ValidatePath(header.Name); err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "creating directory")
			}

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return err
			}
			if err := validator.AddExtractedSize(header.Size); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := validator.ValidateSymlink(header.Name, header.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return errors.Wrap(err, "creating symlink")
			}
		}
	}

	fi, err := os.Stat(tarPath)
	if err != nil {
		return errors.Wrap(err, "stating tarball")
	}
	return validator.ValidateCompressionRatio(fi.Size(), validator.CurrentTotalSize())
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "creating parent directory")
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "creating file")
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return errors.Wrap(err, "writing file")
	}
	return nil
}
