package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	httpmod "github.com/NamanBalaji/sharebridge/pkg/http"
)

func TestGetFilename(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		want string
	}{
		{
			name: "Content-Disposition filename",
			resp: &http.Response{
				Header: http.Header{
					"Content-Disposition": []string{`attachment; filename="example.mkv"`},
				},
				Request: &http.Request{URL: mustParseURL("http://example.com/ignored")},
			},
			want: "example.mkv",
		},
		{
			name: "URL path fallback",
			resp: &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: mustParseURL("http://example.com/path/to/file.bin")},
			},
			want: "file.bin",
		},
		{
			name: "URL query filename param",
			resp: &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: mustParseURL("http://example.com/download?filename=data.zip")},
			},
			want: "data.zip",
		},
		{
			name: "Default when no path or param",
			resp: &http.Response{
				Header:  http.Header{},
				Request: &http.Request{URL: mustParseURL("http://example.com/")},
			},
			want: "download",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := httpmod.GetFilename(tt.resp)
			if got != tt.want {
				t.Errorf("GetFilename() = %q; want %q", got, tt.want)
			}
		})
	}
}

func mustParseURL(raw string) *url.URL {
	u, _ := url.Parse(raw)
	return u
}

// contentServer serves payload with full range support.
func contentServer(payload []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="movie.mkv"`)
		http.ServeContent(w, r, "movie.mkv", time.Time{}, bytes.NewReader(payload))
	}))
}

func TestClient_Head(t *testing.T) {
	ts := contentServer([]byte("hello"))
	defer ts.Close()

	ts404 := httptest.NewServer(http.NotFoundHandler())
	defer ts404.Close()

	client := httpmod.NewClient()

	t.Run("Head success", func(t *testing.T) {
		resp, err := client.Head(context.Background(), ts.URL, map[string]string{"X-Test": "value"})
		if err != nil {
			t.Fatalf("Head() error = %v; want nil", err)
		}
		if resp.ContentLength != 5 {
			t.Errorf("ContentLength = %d; want 5", resp.ContentLength)
		}
	})

	t.Run("Head 404", func(t *testing.T) {
		_, err := client.Head(context.Background(), ts404.URL, nil)
		if !errors.Is(err, httpmod.ErrResourceNotFound) {
			t.Errorf("Head() error = %v; want ErrResourceNotFound", err)
		}
		if httpmod.StatusCode(err) != http.StatusNotFound {
			t.Errorf("StatusCode() = %d; want 404", httpmod.StatusCode(err))
		}
	})
}

func TestClient_Range(t *testing.T) {
	payload := []byte("0123456789abcdef")
	ts := contentServer(payload)
	defer ts.Close()

	noRanges := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer noRanges.Close()

	client := httpmod.NewClient()

	t.Run("Bounded range", func(t *testing.T) {
		resp, err := client.Range(context.Background(), ts.URL, 4, 7, nil)
		if err != nil {
			t.Fatalf("Range() error = %v; want nil", err)
		}
		defer resp.Body.Close()

		got, _ := io.ReadAll(resp.Body)
		if string(got) != "4567" {
			t.Errorf("Range body = %q; want %q", got, "4567")
		}
	})

	t.Run("Open range", func(t *testing.T) {
		resp, err := client.Range(context.Background(), ts.URL, 10, -1, nil)
		if err != nil {
			t.Fatalf("Range() error = %v; want nil", err)
		}
		defer resp.Body.Close()

		got, _ := io.ReadAll(resp.Body)
		if string(got) != "abcdef" {
			t.Errorf("Range body = %q; want %q", got, "abcdef")
		}
	})

	t.Run("Ignored range at offset", func(t *testing.T) {
		_, err := client.Range(context.Background(), noRanges.URL, 4, 7, nil)
		if !errors.Is(err, httpmod.ErrRangeIgnored) {
			t.Errorf("Range() error = %v; want ErrRangeIgnored", err)
		}
	})

	t.Run("Full body accepted at zero", func(t *testing.T) {
		resp, err := client.Range(context.Background(), noRanges.URL, 0, 3, nil)
		if err != nil {
			t.Fatalf("Range() error = %v; want nil", err)
		}
		resp.Body.Close()
	})
}

func TestClient_Get(t *testing.T) {
	ts := contentServer([]byte("body"))
	defer ts.Close()

	ts404 := httptest.NewServer(http.NotFoundHandler())
	defer ts404.Close()

	client := httpmod.NewClient()

	resp, err := client.Get(context.Background(), ts.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v; want nil", err)
	}
	resp.Body.Close()

	_, err = client.Get(context.Background(), ts404.URL, nil)
	if !errors.Is(err, httpmod.ErrResourceNotFound) {
		t.Errorf("Get() error = %v; want ErrResourceNotFound", err)
	}
}

func TestClient_Probe(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 1000)
	ts := contentServer(payload)
	defer ts.Close()

	client := httpmod.NewClient()

	res, err := client.Probe(context.Background(), ts.URL, nil)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if res.Size != 1000 || !res.SupportsRanges || res.Filename != "movie.mkv" {
		t.Errorf("Probe() = %+v", res)
	}

	noHead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.Error(w, "not supported", http.StatusMethodNotAllowed)
			return
		}
		http.ServeContent(w, r, "x.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer noHead.Close()

	res, err = client.Probe(context.Background(), noHead.URL, nil)
	if err != nil {
		t.Fatalf("Probe() fallback error = %v", err)
	}

	if res.Size != 1000 || !res.SupportsRanges {
		t.Errorf("Probe() fallback = %+v", res)
	}
}

type stallingBody struct {
	closed chan struct{}
}

func (s *stallingBody) Read(p []byte) (int, error) {
	<-s.closed
	return 0, errors.New("use of closed body")
}

func (s *stallingBody) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestIdleReader(t *testing.T) {
	body := &stallingBody{closed: make(chan struct{})}
	r := httpmod.NewIdleReader(body, 50*time.Millisecond)

	start := time.Now()
	_, err := r.Read(make([]byte, 8))
	if !errors.Is(err, httpmod.ErrIdleTimeout) {
		t.Errorf("Read() error = %v; want ErrIdleTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("idle timeout took too long")
	}
	r.Close()

	ok := httpmod.NewIdleReader(io.NopCloser(bytes.NewReader([]byte("data"))), time.Second)
	got, err := io.ReadAll(ok)
	if err != nil || string(got) != "data" {
		t.Errorf("ReadAll() = %q, %v", got, err)
	}
	ok.Close()
}
