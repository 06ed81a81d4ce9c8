package download

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

var nonWord = regexp.MustCompile(`\W`)

// CacheFileName is the name of the cached APK of id at version. Both parts are
// reduced to word characters so the name passes the root installer's checks.
func CacheFileName(id model.PackageIdentity, version string) string {
	return fmt.Sprintf("%s_%s.apk", id.FilePrefix(), nonWord.ReplaceAllString(version, "_"))
}

func ApkPath(dir string, id model.PackageIdentity, version string) string {
	return filepath.Join(dir, CacheFileName(id, version))
}

// ZipPath is where a zipped artifact of id is stored before extraction.
func ZipPath(dir string, id model.PackageIdentity) string {
	return filepath.Join(dir, id.FilePrefix()+".zip")
}

// IsCached reports whether path exists and, when size is positive, has that size.
func IsCached(path string, size int64) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return size <= 0 || info.Size() == size
}

// ExtractAPK writes the first .apk entry of the zip archive at zipPath to dest.
func ExtractAPK(zipPath, dest string) (err error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer r.Close()

	var entry *zip.File
	for _, f := range r.File {
		if !f.FileInfo().IsDir() && strings.EqualFold(filepath.Ext(f.Name), ".apk") {
			entry = f
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("archive %s contains no apk", zipPath)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open %s in archive: %w", entry.Name, err)
	}
	defer src.Close()

	tmp := dest + ".extract"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(out, src); err != nil {
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("move extracted apk into place: %w", err)
	}
	log.WithFields(log.Fields{"archive": zipPath, "entry": entry.Name}).Debug("extracted apk")
	return nil
}

// PruneExcept deletes every file in dir that starts with prefix, except keep.
// Leftover part files of the package are removed as well.
func PruneExcept(dir, prefix, keep string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	keepName := filepath.Base(keep)
	var result *multierror.Error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == keepName || !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		log.WithField("file", name).Debug("pruned cached artifact")
	}
	return result.ErrorOrNil()
}
