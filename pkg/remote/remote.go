// Package remote pulls the versioned copy of the bikecast dataset kept in a
// remote repository.
package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// ErrRemoteUnavailable reports that the remote snapshot could not be pulled.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// Pull is one version of the remote dataset.
type Pull struct {
	Version      string
	Observations []dataset.Observation
	// Rejected lists the lines of the remote file that could not be decoded.
	Rejected []string
}

// Repository is the remote source of truth.
type Repository interface {
	Pull(ctx context.Context) (Pull, error)
}

// HTTPRepository downloads the dataset CSV over HTTP, for example the raw
// file URL of a git hosting service.
//
// The ETag of the last successful pull is sent as If-None-Match; on 304 the
// previous pull is returned without decoding anything. The version is the
// X-Commit-Sha response header when present, else the ETag, else the sha256
// of the body.
type HTTPRepository struct {
	url    string
	client *resty.Client
	logger *slog.Logger

	mu   sync.Mutex
	etag string
	last Pull
}

// NewHTTPRepository creates a repository for url. token, when set, is sent as
// a bearer token.
func NewHTTPRepository(url, token string, timeout time.Duration, logger *slog.Logger) (*HTTPRepository, error) {
	if url == "" {
		return nil, errors.New("remote repository URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "text/csv")
	if token != "" {
		client.SetAuthToken(token)
	}

	return &HTTPRepository{
		url:    url,
		client: client,
		logger: logger.With("component", "remote"),
	}, nil
}

// Pull implements Repository.
func (r *HTTPRepository) Pull(ctx context.Context) (Pull, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req := r.client.R().SetContext(ctx)
	if r.etag != "" {
		req.SetHeader("If-None-Match", r.etag)
	}

	resp, err := req.Get(r.url)
	if err != nil {
		return Pull{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotModified:
		r.logger.Debug("remote dataset not modified", "version", r.last.Version)
		return r.last, nil
	default:
		return Pull{}, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode())
	}

	res, err := dataset.ReadCSV(bytes.NewReader(resp.Body()))
	if err != nil {
		// a malformed file is not transient, but the sync still degrades to local data
		return Pull{}, fmt.Errorf("%w: decode remote dataset: %v", ErrRemoteUnavailable, err)
	}

	etag := resp.Header().Get("ETag")
	version := resp.Header().Get("X-Commit-Sha")
	if version == "" {
		version = etag
	}
	if version == "" {
		sum := sha256.Sum256(resp.Body())
		version = "sha256:" + hex.EncodeToString(sum[:])
	}

	pull := Pull{Version: version, Observations: res.Observations, Rejected: res.Rejected}
	r.etag = etag
	r.last = pull

	r.logger.Info("remote dataset pulled",
		"version", version,
		"records", len(res.Observations),
		"rejected", len(res.Rejected),
	)
	return pull, nil
}

// StaticRepository serves a fixed pull, or a fixed error. It backs tests and
// deployments without a remote.
type StaticRepository struct {
	Result Pull
	Err    error
}

// Pull implements Repository.
func (s *StaticRepository) Pull(ctx context.Context) (Pull, error) {
	if err := ctx.Err(); err != nil {
		return Pull{}, err
	}
	return s.Result, s.Err
}
