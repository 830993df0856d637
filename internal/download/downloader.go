package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// performDownload streams the media behind t.req.URL into file storage at
// relativePath and returns the number of bytes written.
func (m *Manager) performDownload(ctx context.Context, t *task, relativePath string) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Accept", "*/*")

	m.debugLog("Sending HTTP request for track %s", t.req.TrackID)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.debugLog("Failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	t.mutex.Lock()
	t.total = resp.ContentLength
	t.mutex.Unlock()

	m.debugLog("Starting download - Content-Length: %d", resp.ContentLength)

	n, err := m.files.WriteFile(relativePath, &progressReader{ctx: ctx, src: resp.Body, task: t})
	if err != nil {
		return 0, err
	}

	if n == 0 {
		if delErr := m.files.DeleteFile(relativePath); delErr != nil {
			m.debugLog("Failed to remove empty download: %v", delErr)
		}
		return 0, fmt.Errorf("downloaded file is empty")
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		if delErr := m.files.DeleteFile(relativePath); delErr != nil {
			m.debugLog("Failed to remove truncated download: %v", delErr)
		}
		return 0, fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// progressReader counts bytes into the task and stops early when ctx ends.
type progressReader struct {
	ctx  context.Context
	src  io.Reader
	task *task
}

func (r *progressReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.task.mutex.Lock()
		r.task.written += int64(n)
		r.task.mutex.Unlock()
	}
	return n, err
}
