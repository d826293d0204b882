package fetcher

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/throttle"
	httpPkg "github.com/NamanBalaji/sharebridge/pkg/http"
)

// connection is one ranged response body, idle-guarded and throttled.
type connection struct {
	url     string
	headers map[string]string
	client  *httpPkg.Client

	startByte int64
	endByte   int64

	body   io.ReadCloser
	reader io.Reader
	status int
}

func newConnection(url string, headers map[string]string, client *httpPkg.Client, startByte, endByte int64) *connection {
	return &connection{
		url:       url,
		headers:   headers,
		client:    client,
		startByte: startByte,
		endByte:   endByte,
	}
}

func (c *connection) connect(ctx context.Context, taskID uuid.UUID, bw *throttle.Bandwidth, idle time.Duration) error {
	resp, err := c.client.Range(ctx, c.url, c.startByte, c.endByte, c.headers)
	if err != nil {
		c.status = httpPkg.StatusCode(err)
		return err
	}

	c.status = resp.StatusCode
	c.body = httpPkg.NewIdleReader(resp.Body, idle)
	c.reader = c.body

	if bw != nil {
		c.reader = bw.Reader(ctx, taskID, c.body)
	}

	return nil
}

func (c *connection) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *connection) close() error {
	if c.body != nil {
		return c.body.Close()
	}

	return nil
}
