package manifest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ccja/internal/checkpoint"
	"github.com/JakeFAU/ccja/internal/corpus"
)

const listing = "crawl-data/CC-MAIN-2024-10/segments/1/warc/a.warc.gz\n" +
	"\n" +
	"  crawl-data/CC-MAIN-2024-10/segments/1/warc/b.warc.gz  \r\n" +
	"crawl-data/CC-MAIN-2024-10/segments/2/warc/c.warc.gz"

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type httpGetter struct{ client *http.Client }

func (g httpGetter) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.New(resp.Status)
	}
	return resp.Body, nil
}

func wantIDs() []corpus.SegmentID {
	return []corpus.SegmentID{
		"crawl-data/CC-MAIN-2024-10/segments/1/warc/a.warc.gz",
		"crawl-data/CC-MAIN-2024-10/segments/1/warc/b.warc.gz",
		"crawl-data/CC-MAIN-2024-10/segments/2/warc/c.warc.gz",
	}
}

func TestParsePlainAndGzip(t *testing.T) {
	t.Parallel()

	plain, err := Parse(strings.NewReader(listing))
	require.NoError(t, err)
	assert.Equal(t, wantIDs(), plain)

	compressed, err := Parse(bytes.NewReader(gzipped(t, listing)))
	require.NoError(t, err)
	assert.Equal(t, wantIDs(), compressed)

	empty, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFetchOverHTTP(t *testing.T) {
	t.Parallel()

	body := gzipped(t, listing)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	ids, err := Fetch(context.Background(), httpGetter{client: srv.Client()}, srv.URL+"/warc.paths.gz")
	require.NoError(t, err)
	assert.Equal(t, wantIDs(), ids)
}

func TestFetchLocalFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "warc.paths")
	require.NoError(t, os.WriteFile(path, []byte(listing), 0o600))

	ids, err := Fetch(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Equal(t, wantIDs(), ids)

	ids, err = Fetch(context.Background(), nil, "file://"+path)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	_, err = Fetch(context.Background(), nil, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestFetchHTTPWithoutGetter(t *testing.T) {
	t.Parallel()

	_, err := Fetch(context.Background(), nil, "https://data.commoncrawl.org/warc.paths.gz")
	require.Error(t, err)
}

func TestPendingKeepsOrderAndSkipsCompleted(t *testing.T) {
	t.Parallel()

	all := []corpus.SegmentID{"a", "b", "a", "c", "d", "e"}
	done := checkpoint.New("b", "d")

	assert.Equal(t, []corpus.SegmentID{"a", "c", "e"}, Pending(all, done, 0))
	assert.Equal(t, []corpus.SegmentID{"a", "c"}, Pending(all, done, 2))
	assert.Equal(t, []corpus.SegmentID{"a", "b", "c", "d", "e"}, Pending(all, nil, 0))
}
