package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	// DefaultMediaMaxBytes caps inbound downloads (20MB, the Telegram
	// Bot API limit; Discord attachments above this are skipped too).
	DefaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// MaxImagePixels is the longest edge kept on inbound images.
	// Anything larger gets downscaled before the agent sees it.
	MaxImagePixels = 2048
)

// DownloadFile fetches url into dir with a size cap and returns the
// local path. The stored name keeps the original base name behind a
// short random prefix so concurrent downloads never collide.
func DownloadFile(ctx context.Context, client *http.Client, url, dir, name string, maxBytes int64) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create files dir: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()[:8]+"-"+SafeFileName(name))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(path)
		return "", fmt.Errorf("file exceeds max size: %d bytes", written)
	}

	return path, nil
}

// SafeFileName strips directory components and anything else that
// should not land on disk verbatim.
func SafeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." {
		return "file.bin"
	}
	return name
}

// FitImage downscales the image at path in place when its longest
// edge exceeds maxPx, preserving aspect ratio. Non-image files and
// small images pass through untouched.
func FitImage(path string, maxPx int) error {
	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxPx && bounds.Dy() <= maxPx {
		return nil
	}

	fitted := imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)
	if err := imaging.Save(fitted, path); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}
