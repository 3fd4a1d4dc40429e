package repair

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single cleaning run.
const DefaultTimeout = 10 * time.Minute

// ErrCleanFailed is returned when the cleaner could not produce a usable file.
var ErrCleanFailed = errors.New("pdf cleaning failed")

// Cleaner rewrites a damaged PDF into out. It reports success only when out
// exists and is non-empty.
type Cleaner interface {
	Clean(ctx context.Context, in, out string, timeout time.Duration) bool
}

// Ghostscript cleans PDFs by re-distilling them with gs.
type Ghostscript struct {
	binary string
	logger *slog.Logger
}

// NewGhostscript returns a cleaner using binary ("gs" when empty).
func NewGhostscript(binary string, logger *slog.Logger) *Ghostscript {
	if binary == "" {
		binary = "gs"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ghostscript{binary: binary, logger: logger}
}

func (g *Ghostscript) Clean(ctx context.Context, in, out string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.binary,
		"-dBATCH", "-dNOPAUSE", "-q",
		"-sDEVICE=pdfwrite", "-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS=/ebook", "-dCompressFonts=true",
		"-dSubsetFonts=true", "-dOptimize=true",
		"-dColorImageResolution=150",
		"-sOutputFile="+out, in,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	g.logger.Info("cleaning pdf", "file", filepath.Base(in))
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			g.logger.Error("pdf cleaning timed out", "file", filepath.Base(in), "timeout", timeout)
		} else {
			g.logger.Error("pdf cleaning failed", "file", filepath.Base(in), "error", err,
				"stderr", strings.TrimSpace(stderr.String()))
		}
		return false
	}

	st, err := os.Stat(out)
	if err != nil || st.Size() == 0 {
		g.logger.Error("pdf cleaning produced no output", "file", filepath.Base(in))
		return false
	}
	return true
}

// Repairer replaces a damaged document with a cleaned copy and keeps the
// original under an archive directory.
type Repairer struct {
	cleaner      Cleaner
	originalsDir string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewRepairer creates a Repairer archiving originals under originalsDir.
func NewRepairer(cleaner Cleaner, originalsDir string, timeout time.Duration, logger *slog.Logger) *Repairer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repairer{
		cleaner:      cleaner,
		originalsDir: originalsDir,
		timeout:      timeout,
		logger:       logger,
	}
}

// OriginalsDir returns the archive directory.
func (r *Repairer) OriginalsDir() string {
	return r.originalsDir
}

// Repair cleans path in place. relPath decides where the original is
// archived. It returns the backup location.
func (r *Repairer) Repair(ctx context.Context, path, relPath string) (string, error) {
	tmp := path + ".cleaned.tmp"
	defer func() { _ = os.Remove(tmp) }()

	if !r.cleaner.Clean(ctx, path, tmp, r.timeout) {
		return "", ErrCleanFailed
	}

	backup := filepath.Join(r.originalsDir, relPath)
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		return "", fmt.Errorf("failed to create originals directory: %w", err)
	}
	if err := copyFile(path, backup); err != nil {
		return "", fmt.Errorf("failed to archive original: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			if restoreErr := copyFile(backup, path); restoreErr != nil {
				r.logger.Error("failed to restore original", "file", relPath, "error", restoreErr)
			}
		}
		return "", fmt.Errorf("failed to replace with cleaned file: %w", err)
	}

	r.logger.Info("pdf cleaned", "file", relPath, "backup", backup)
	return backup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	st, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, st.ModTime(), st.ModTime())
}
