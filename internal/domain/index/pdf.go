package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrConvertTimeout marks a conversion that exceeded its wall-clock budget.
// The whole process tree is killed before this is returned.
var ErrConvertTimeout = errors.New("index: pdf conversion timed out")

// PdfConverter turns one .pptx into a single PDF at a caller-chosen path.
type PdfConverter interface {
	Convert(ctx context.Context, pptxPath, outPath string) error
}

// SofficeConverter shells out to headless LibreOffice. Each invocation gets
// a disposable user-profile directory so parallel conversions do not clobber
// each other's lock files.
type SofficeConverter struct {
	sofficePath string
	timeout     time.Duration
}

// NewSofficeConverter builds a converter. An empty path defaults to
// "soffice" on PATH; a non-positive timeout defaults to 180s.
func NewSofficeConverter(sofficePath string, timeout time.Duration) *SofficeConverter {
	if sofficePath == "" {
		sofficePath = "soffice"
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &SofficeConverter{sofficePath: sofficePath, timeout: timeout}
}

// Convert converts pptxPath to a PDF and renames it atomically to outPath.
// On timeout the entire process group is killed, not just the direct child;
// soffice forks and the orphan would otherwise keep the profile locked.
func (c *SofficeConverter) Convert(ctx context.Context, pptxPath, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("index: create pdf directory: %w", err)
	}
	workDir, err := os.MkdirTemp("", "slidemanager-soffice-*")
	if err != nil {
		return fmt.Errorf("index: create conversion workdir: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	profileDir := filepath.Join(workDir, "profile")
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return fmt.Errorf("index: create soffice profile: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.sofficePath,
		"--headless", "--invisible", "--norestore", "--nolockcheck",
		"-env:UserInstallation=file://"+profileDir,
		"--convert-to", "pdf", "--outdir", workDir, pptxPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w after %s: %s", ErrConvertTimeout, c.timeout, filepath.Base(pptxPath))
		}
		return fmt.Errorf("index: soffice failed on %s: %w: %s",
			filepath.Base(pptxPath), runErr, stderrTail(stderr.Bytes()))
	}

	stem := strings.TrimSuffix(filepath.Base(pptxPath), filepath.Ext(pptxPath))
	produced := filepath.Join(workDir, stem+".pdf")
	if _, statErr := os.Stat(produced); statErr != nil {
		return fmt.Errorf("index: soffice exited clean but produced no pdf for %s: %s",
			filepath.Base(pptxPath), stderrTail(stderr.Bytes()))
	}
	// The workdir may sit on another filesystem, so stage next to the
	// destination and rename for atomicity.
	staged := outPath + ".tmp"
	data, err := os.ReadFile(produced)
	if err != nil {
		return fmt.Errorf("index: read produced pdf: %w", err)
	}
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("index: stage pdf: %w", err)
	}
	if err := os.Rename(staged, outPath); err != nil {
		return fmt.Errorf("index: publish pdf: %w", err)
	}
	return nil
}

func stderrTail(b []byte) string {
	const n = 512
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
