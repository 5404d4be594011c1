package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/strongdm/berth/internal/shell"
)

// DMGInstaller installs Docker Desktop on macOS: download the disk image,
// mount it, copy the application bundle and unmount.
type DMGInstaller struct {
	Exec   shell.Executor
	Client *http.Client
	// URL of the disk image to download.
	URL string
	// Volume is the mount point hdiutil attaches the image at.
	Volume string
	// App is the bundle name inside the volume.
	App string
	// Destination directory for the bundle.
	Destination string
	TempDir     string
	Logger      *slog.Logger
}

// DefaultDMGURL returns the Docker Desktop download for arch.
func DefaultDMGURL(arch string) string {
	if arch == "arm64" {
		return "https://desktop.docker.com/mac/main/arm64/Docker.dmg"
	}
	return "https://desktop.docker.com/mac/main/amd64/Docker.dmg"
}

// PlatformInstaller returns the installer for goos, or nil when berth cannot
// install the engine automatically there.
func PlatformInstaller(goos string, exec shell.Executor, logger *slog.Logger) Installer {
	if goos != "darwin" {
		return nil
	}
	return &DMGInstaller{
		Exec:        exec,
		Client:      &http.Client{Timeout: 30 * time.Minute},
		URL:         DefaultDMGURL(runtime.GOARCH),
		Volume:      "/Volumes/Docker",
		App:         "Docker.app",
		Destination: "/Applications",
		Logger:      logger,
	}
}

func (d *DMGInstaller) Install(ctx context.Context) (err error) {
	if d.Exec == nil {
		return errors.New("installer has no executor")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dmg, err := d.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(dmg)
	logger.Info("engine image downloaded", "event", "engine.install.download", "path", dmg)

	if err := d.run(ctx, "hdiutil", "attach", "-nobrowse", "-quiet", "-mountpoint", d.Volume, dmg); err != nil {
		return fmt.Errorf("mount %s: %w", filepath.Base(dmg), err)
	}
	defer func() {
		if detachErr := d.run(context.WithoutCancel(ctx), "hdiutil", "detach", "-quiet", d.Volume); detachErr != nil {
			logger.Warn("detach failed", "event", "engine.install.detach", "error", detachErr)
		}
	}()

	src := filepath.Join(d.Volume, d.App)
	if err := d.run(ctx, "cp", "-R", src, d.Destination); err != nil {
		return fmt.Errorf("copy %s: %w", d.App, err)
	}
	return nil
}

func (d *DMGInstaller) run(ctx context.Context, args ...string) error {
	res, err := d.Exec.Run(ctx, args)
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.New(res.Diagnostic())
	}
	return nil
}

func (d *DMGInstaller) download(ctx context.Context) (string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", d.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", d.URL, resp.StatusCode)
	}

	f, err := os.CreateTemp(d.TempDir, "berth-engine-*.dmg")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close download: %w", err)
	}
	return f.Name(), nil
}
