package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/3leaps/apkfetch/internal/download"
	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/verify"
)

func newDownloadCommand(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "download <package>",
		Short: "Download and verify the latest APK of a package",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, names []string) error {
			id, err := a.lookup(names[0])
			if err != nil {
				return err
			}
			if err := a.network(cmd.Context()); err != nil {
				return err
			}
			path, rel, err := a.fetch(cmd.Context(), id, !quiet)
			if err != nil {
				return err
			}
			res, err := a.checkArtifact(cmd.Context(), path, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s %s\n%s\ncertificate %s\n", id.Name, rel.Version, path, res.Hex)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show download progress")
	return cmd
}

// fetch returns the path of the latest APK of id, downloading it unless a cached
// copy of the same release exists.
func (a *app) fetch(ctx context.Context, id model.PackageIdentity, progress bool) (string, model.ResolvedRelease, error) {
	rel, _, err := a.resolve(ctx, id)
	if err != nil {
		return "", model.ResolvedRelease{}, err
	}
	return a.fetchRelease(ctx, id, rel, progress)
}

func (a *app) fetchRelease(ctx context.Context, id model.PackageIdentity, rel model.ResolvedRelease, progress bool) (string, model.ResolvedRelease, error) {
	dir := a.cfg.DownloadDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", rel, fmt.Errorf("create download dir: %w", err)
	}
	apkPath := download.ApkPath(dir, id, rel.Version)
	logger := log.WithFields(log.Fields{"package": id.Name, "version": rel.Version})

	if a.reusable(apkPath, id, rel) {
		logger.WithField("file", apkPath).Info("using cached apk")
		return apkPath, rel, nil
	}

	dest := apkPath
	if id.Zipped {
		dest = download.ZipPath(dir, id)
	}
	if err := a.transfer(ctx, download.Request{
		URL:          rel.DownloadURL,
		Destination:  dest,
		ExpectedSize: rel.Size,
		ExpectedHash: rel.FileHash,
	}, rel.AssetName, progress); err != nil {
		return "", rel, err
	}

	if id.MinisignKey != "" {
		if err := a.verifySignature(ctx, dest, rel, id.MinisignKey); err != nil {
			_ = os.Remove(dest)
			return "", rel, err
		}
	}
	if id.Zipped {
		err := download.ExtractAPK(dest, apkPath)
		_ = os.Remove(dest)
		if err != nil {
			return "", rel, err
		}
	}
	if err := download.PruneExcept(dir, id.FilePrefix(), apkPath); err != nil {
		logger.Warnf("prune old downloads: %v", err)
	}
	logger.WithField("file", apkPath).Info("downloaded apk")
	return apkPath, rel, nil
}

// reusable reports whether the cached file at path still matches rel. A cached
// file with the wrong hash is removed.
func (a *app) reusable(path string, id model.PackageIdentity, rel model.ResolvedRelease) bool {
	size := rel.Size
	if id.Zipped {
		size = 0
	}
	if !download.IsCached(path, size) {
		return false
	}
	if rel.FileHash == "" || id.Zipped {
		return true
	}
	if err := verify.VerifyFileHash(path, rel.FileHash); err != nil {
		log.WithField("file", path).Warnf("discarding cached apk: %v", err)
		_ = os.Remove(path)
		return false
	}
	return true
}

func (a *app) verifySignature(ctx context.Context, path string, rel model.ResolvedRelease, pubKey string) error {
	sigPath := path + verify.SignatureSuffix
	defer os.Remove(sigPath)
	if err := a.transfer(ctx, download.Request{
		URL:         rel.DownloadURL + verify.SignatureSuffix,
		Destination: sigPath,
	}, rel.AssetName+verify.SignatureSuffix, false); err != nil {
		return fmt.Errorf("download signature: %w", err)
	}
	return verify.VerifyMinisignSignature(path, sigPath, pubKey)
}

// transfer runs one download to completion and renders its progress.
func (a *app) transfer(ctx context.Context, req download.Request, name string, progress bool) error {
	h, err := a.engine.Download(ctx, req)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if progress {
			renderProgress(a.stderr, name, req.ExpectedSize, h.Progress())
			return
		}
		for range h.Progress() {
		}
	}()
	err = h.Wait(ctx)
	if err != nil {
		h.Cancel()
	}
	<-done
	return err
}

// renderProgress draws a bar until updates is closed. Without an expected size
// the bar shows a spinner and the byte count.
func renderProgress(w io.Writer, name string, size int64, updates <-chan download.Progress) {
	total := size
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	var shown int64
	for p := range updates {
		if p.Bytes > shown {
			_ = bar.Add64(p.Bytes - shown)
			shown = p.Bytes
		}
	}
	_ = bar.Finish()
}

// checkArtifact verifies the signing certificate of a downloaded file. An
// untrusted file is deleted so it is never reused.
func (a *app) checkArtifact(ctx context.Context, path string, id model.PackageIdentity) (model.FingerprintResult, error) {
	res, err := a.packageVerifier().CheckFile(ctx, path, id)
	if err != nil {
		if errors.Is(err, model.ErrMultipleSigners) {
			_ = os.Remove(path)
		}
		return res, fmt.Errorf("check %s: %w", filepath.Base(path), err)
	}
	if !res.Valid {
		_ = os.Remove(path)
		return res, fmt.Errorf("%w: %s is signed by %s, expected %s",
			model.ErrUntrustedArtifact, filepath.Base(path), res.Hex, id.SignatureHash)
	}
	return res, nil
}
