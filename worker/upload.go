package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/theory/iox"
	"github.com/pithecene-io/theory/types"
)

// Retry tuning for presigned PUTs that bounce off 401/403.
const (
	putRetryBase    = 200 * time.Millisecond
	putRetryFactor  = 2
	putMaxAttempts  = 3
	putHTTPDeadline = 60 * time.Second
)

// Uploader drives presigned PUTs for one run. Only keys present in the
// payload's URL map are honored; the index key is written exactly once,
// last, by Commit.
type Uploader struct {
	client *http.Client
	urls   map[string]string
	ctypes map[string]string

	// sleep is swappable in tests.
	sleep func(time.Duration)

	mu        sync.Mutex
	outputs   []types.OutputItem
	committed bool
}

// NewUploader builds an Uploader over the payload's presigned URL map.
func NewUploader(payload *types.RunPayload, client *http.Client) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: putHTTPDeadline}
	}
	return &Uploader{
		client: client,
		urls:   payload.PutURLs,
		ctypes: payload.PutContentTypes,
		sleep:  time.Sleep,
	}
}

// PutOutput uploads one declared artifact. path is relative to the outputs
// tree ("text/response.txt" goes to key "outputs/text/response.txt") and is
// recorded for the index.
func (u *Uploader) PutOutput(ctx context.Context, path, mime string, body []byte) error {
	u.mu.Lock()
	if u.committed {
		u.mu.Unlock()
		return Faultf(types.ErrUpload, "output %q after commit", path)
	}
	u.mu.Unlock()

	key := types.OutputsDir + "/" + path
	if err := u.put(ctx, key, mime, body); err != nil {
		return err
	}

	u.mu.Lock()
	u.outputs = append(u.outputs, types.OutputItem{
		Path:      path,
		MIME:      mime,
		SizeBytes: int64(len(body)),
	})
	u.mu.Unlock()
	return nil
}

// Commit uploads the output index as the final PUT. Its presence under the
// write prefix is the run's commit barrier; nothing may be uploaded after.
// Returns the recorded outputs, sorted by path.
func (u *Uploader) Commit(ctx context.Context) ([]types.OutputItem, error) {
	u.mu.Lock()
	if u.committed {
		u.mu.Unlock()
		return nil, Faultf(types.ErrUpload, "index already committed")
	}
	u.committed = true
	outputs := make([]types.OutputItem, len(u.outputs))
	copy(outputs, u.outputs)
	u.mu.Unlock()

	index, err := types.CanonicalIndex(outputs)
	if err != nil {
		return nil, &Fault{Code: types.ErrUpload, Message: "encode output index", Err: err}
	}
	if err := u.put(ctx, types.IndexKey, "application/json", index); err != nil {
		return nil, err
	}

	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })
	return outputs, nil
}

// put performs one presigned PUT with the auth-retry schedule: 401/403 are
// retried with exponential backoff, any other non-2xx is fatal.
func (u *Uploader) put(ctx context.Context, key, mime string, body []byte) error {
	url, ok := u.urls[key]
	if !ok {
		return Faultf(types.ErrUploadPlan, "no presigned URL for key %q", key)
	}
	contentType := mime
	if ct, ok := u.ctypes[key]; ok && ct != "" {
		contentType = ct
	}

	delay := putRetryBase
	var lastStatus int
	for attempt := 1; attempt <= putMaxAttempts; attempt++ {
		status, err := u.doPut(ctx, url, contentType, body)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return &Fault{Code: types.ErrPreempted, Message: "upload cancelled", Err: err}
			}
			return &Fault{Code: types.ErrUpload, Message: fmt.Sprintf("put %s", key), Err: err}
		}
		if status >= 200 && status < 300 {
			return nil
		}
		lastStatus = status
		if status != http.StatusUnauthorized && status != http.StatusForbidden {
			return Faultf(types.ErrUpload, "put %s: status %d", key, status)
		}
		if attempt < putMaxAttempts {
			u.sleep(delay)
			delay *= putRetryFactor
		}
	}
	return Faultf(types.ErrUpload, "put %s: status %d after %d attempts", key, lastStatus, putMaxAttempts)
}

func (u *Uploader) doPut(ctx context.Context, url, contentType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer iox.DrainClose(resp.Body)
	return resp.StatusCode, nil
}
