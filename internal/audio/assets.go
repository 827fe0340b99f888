package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Assets opens local files (plain paths or file:// URIs) and remote http(s)
// assets such as voice conversion results served from a CDN.
type Assets struct {
	Client *http.Client
}

func (a Assets) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return a.openRemote(ctx, uri)
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, 0, fmt.Errorf("parse asset uri: %w", err)
		}
		return openFile(u.Path)
	}
	return openFile(uri)
}

func openFile(p string) (io.ReadCloser, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (a Assets) openRemote(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	cli := a.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetch asset %s: status %d", uri, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// Release deletes a local file:// asset. Remote assets belong to whoever
// serves them and are left alone; a file that is already gone is not an
// error.
func (a Assets) Release(ctx context.Context, uri string) error {
	if !strings.HasPrefix(uri, "file://") {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parse asset uri: %w", err)
	}
	if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
