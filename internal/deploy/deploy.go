// Package deploy writes deployment payloads into the application
// directory, skipping files whose source has not changed.
package deploy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/state"
)

// pendingMarker records a file whose write has started but not finished
const pendingMarker = "undefined://"

var ErrInvalidPath = errors.New("deploy: invalid file path")

// FileEntry is one file of a deployment. Exactly one of URL and Content
// is expected; Content wins when both are set.
type FileEntry struct {
	Path    string `json:"path"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

// Payload is the body of the deploy and writefiles commands
type Payload struct {
	Files []FileEntry    `json:"files"`
	DMeta map[string]any `json:"dmeta,omitempty"`
}

// Result describes an applied payload
type Result struct {
	Written []string
	Skipped []string
	// Updated lists files whose content source changed
	Updated []string
}

// Deployer applies deployment files
type Deployer interface {
	Apply(ctx context.Context, files []FileEntry) (*Result, error)
}

// LocalDeployer writes files below Root and tracks their sources in the
// shell state
type LocalDeployer struct {
	Root   string
	State  *state.Store
	Client *http.Client
	Logger *zap.Logger
}

// NewLocalDeployer creates a deployer
func NewLocalDeployer(root string, st *state.Store, logger *zap.Logger) *LocalDeployer {
	return &LocalDeployer{
		Root:   root,
		State:  st,
		Client: &http.Client{Timeout: 5 * time.Minute},
		Logger: logger.Named("deploy"),
	}
}

// Digest returns the source marker recorded for inline content
func Digest(content string) string {
	sum := blake3.Sum256([]byte(content))
	return "blake3://" + hex.EncodeToString(sum[:])
}

// Apply writes every file. On the first failure the recorded sources are
// forgotten so the next deployment rewrites everything.
func (d *LocalDeployer) Apply(ctx context.Context, files []FileEntry) (*Result, error) {
	res := &Result{}
	for _, fe := range files {
		rel, err := cleanPath(fe.Path)
		if err != nil {
			d.forget()
			return nil, fmt.Errorf("%s: %w", fe.Path, err)
		}

		prev := d.State.State().DownloadedFiles[rel]
		if fe.Content == "" && fe.URL != "" && prev == fe.URL {
			res.Skipped = append(res.Skipped, rel)
			continue
		}

		if err := d.setSource(rel, pendingMarker); err != nil {
			return nil, err
		}

		source, err := d.write(ctx, rel, fe)
		if err != nil {
			d.forget()
			return nil, fmt.Errorf("writing %s: %w", rel, err)
		}
		if err := d.setSource(rel, source); err != nil {
			return nil, err
		}

		res.Written = append(res.Written, rel)
		if fe.Content == "" || source != prev {
			res.Updated = append(res.Updated, rel)
		}
	}
	return res, nil
}

func (d *LocalDeployer) write(ctx context.Context, rel string, fe FileEntry) (string, error) {
	target := filepath.Join(d.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	if fe.Content != "" || fe.URL == "" {
		source := Digest(fe.Content)
		d.Logger.Debug("writefile", zap.String("path", rel), zap.String("source", source))
		return source, writeFile(target, strings.NewReader(fe.Content))
	}

	body, err := d.download(ctx, fe.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	d.Logger.Debug("writefile", zap.String("path", rel), zap.String("url", fe.URL))
	return fe.URL, writeFile(target, body)
}

func (d *LocalDeployer) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}

	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	return &gzipBody{Reader: zr, body: resp.Body}, nil
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	_ = g.Reader.Close()
	return g.body.Close()
}

func (d *LocalDeployer) setSource(rel, source string) error {
	return d.State.Update(func(st *state.State) {
		st.DownloadedFiles[rel] = source
	})
}

func (d *LocalDeployer) forget() {
	if err := d.State.Update(func(st *state.State) {
		st.DownloadedFiles = map[string]string{}
	}); err != nil {
		d.Logger.Error("Failed to reset deployed file state", zap.Error(err))
	}
}

// cleanPath normalises a payload path and keeps it inside the root
func cleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrInvalidPath
	}
	return p, nil
}

// writeFile replaces target with the contents of r via a temporary file
func writeFile(target string, r io.Reader) error {
	tmp := target + ".tdtmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
