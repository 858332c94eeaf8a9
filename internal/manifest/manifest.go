// Package manifest loads the list of segments a crawl publishes.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/ccja/internal/corpus"
)

const maxLine = 64 << 10

// Getter fetches an absolute URL.
type Getter interface {
	Get(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Completed reports whether a segment is already done.
type Completed interface {
	Contains(id corpus.SegmentID) bool
}

// Fetch loads a manifest from an http(s) URL through getter, or from a local
// path. Gzip input is detected by its magic bytes. Blank lines are skipped.
func Fetch(ctx context.Context, getter Getter, source string) ([]corpus.SegmentID, error) {
	body, err := open(ctx, getter, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	ids, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", source, err)
	}
	return ids, nil
}

func open(ctx context.Context, getter Getter, source string) (io.ReadCloser, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if getter == nil {
			return nil, fmt.Errorf("no http getter for manifest %s", source)
		}
		body, err := getter.Get(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("download manifest: %w", err)
		}
		return body, nil
	}
	f, err := os.Open(strings.TrimPrefix(source, "file://"))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	return f, nil
}

// Parse reads one segment path per line from a plain or gzip stream.
func Parse(r io.Reader) ([]corpus.SegmentID, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("sniff manifest: %w", err)
	}
	var src io.Reader = br
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	var ids []corpus.SegmentID
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ids = append(ids, corpus.SegmentID(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Pending keeps manifest order and drops completed and repeated segments.
// A positive limit caps the result.
func Pending(all []corpus.SegmentID, done Completed, limit int) []corpus.SegmentID {
	seen := make(map[corpus.SegmentID]struct{}, len(all))
	out := make([]corpus.SegmentID, 0, len(all))
	for _, id := range all {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if done != nil && done.Contains(id) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
