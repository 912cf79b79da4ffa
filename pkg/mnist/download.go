// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DefaultURL serves the gzipped MNIST files.
const DefaultURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

// progressWriter copies bytes to w while updating a progress bar.
// It requires knowing the content length.
type progressWriter struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newProgressWriter(w, out io.Writer, name string, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, barUnit: 1}
	for contentLength > pw.barUnit*1024*1024 {
		pw.barUnit *= 1024
	}
	pw.numUnits = (contentLength + pw.barUnit - 1) / pw.barUnit
	pw.bar = progressbar.NewOptions(int(pw.numUnits),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)", name, humanize.IBytes(uint64(contentLength)))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.amountWritten += int64(n)
	toUnits := pw.amountWritten / pw.barUnit
	if toUnits > pw.addedUnits {
		_ = pw.bar.Add(int(toUnits - pw.addedUnits))
		pw.addedUnits = toUnits
	}
	return
}

func (pw *progressWriter) finish() {
	if pw.addedUnits < pw.numUnits {
		_ = pw.bar.Add(int(pw.numUnits - pw.addedUnits))
	}
	_ = pw.bar.Close()
}

// Download fetches the gzipped dataset files from baseURL into dir, skipping the files already
// there (compressed or not). Progress bars are written to progressOut, if not nil.
func Download(ctx context.Context, dir, baseURL string, progressOut io.Writer) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating MNIST directory %q", dir)
	}
	for _, name := range AllFiles() {
		if _, err := Locate(dir, name); err == nil {
			klog.V(1).Infof("MNIST file %q already in %s", name, dir)
			continue
		}
		fileURL, err := url.JoinPath(baseURL, name+".gz")
		if err != nil {
			return errors.Wrapf(err, "building URL for %q", name)
		}
		if err = downloadFile(ctx, fileURL, filepath.Join(dir, name+".gz"), progressOut); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile writes to a temporary file first, so an interrupted download leaves nothing behind.
func downloadFile(ctx context.Context, fileURL, filePath string, progressOut io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrapf(err, "creating request for %q", fileURL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "downloading %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading %q: %s", fileURL, resp.Status)
	}

	tmpPath := filePath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", tmpPath)
	}
	var dst io.Writer = f
	var pw *progressWriter
	if progressOut != nil && resp.ContentLength > 0 {
		pw = newProgressWriter(f, progressOut, filepath.Base(filePath), resp.ContentLength)
		dst = pw
	}
	size, err := io.Copy(dst, resp.Body)
	if pw != nil {
		pw.finish()
		_, _ = fmt.Fprintln(progressOut)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "downloading %q to %q", fileURL, filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "renaming %q", tmpPath)
	}
	klog.V(1).Infof("downloaded %s (%s)", filePath, humanize.IBytes(uint64(size)))
	return nil
}
