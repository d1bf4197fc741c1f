package catalog

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/erdemkarakoylu/overpass/internal/models"
)

// Mirror fetches granule files from an anonymous FTP archive mirror
// instead of the provider's HTTPS endpoint. Granules are looked up by
// ID under the mirror's base path.
type Mirror struct {
	host     string // host:port
	basePath string
	cacheDir string
}

func NewMirror(host, basePath, cacheDir string) *Mirror {
	return &Mirror{host: host, basePath: basePath, cacheDir: cacheDir}
}

func (m *Mirror) Fetch(ctx context.Context, g models.Granule) (string, error) {
	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	dest := filepath.Join(m.cacheDir, g.ID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	conn, err := ftp.Dial(m.host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("ftp dial %s: %w", m.host, err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return "", fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(path.Join(m.basePath, g.ID))
	if err != nil {
		return "", fmt.Errorf("ftp retr %s: %w", g.ID, err)
	}
	defer resp.Close()

	tmp, err := os.CreateTemp(m.cacheDir, g.ID+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write granule: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close granule file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("rename granule file: %w", err)
	}

	log.Printf("catalog: fetched %s from mirror %s", g.ID, m.host)
	return dest, nil
}
