// Package warc iterates the records of a web archive segment.
package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// ErrMalformed wraps every structural parse failure.
var ErrMalformed = errors.New("malformed warc record")

const (
	maxHeaderLine = 1 << 20
	// MaxBlockSize caps Content-Length. Common Crawl captures are truncated
	// near 1 MiB.
	MaxBlockSize = 64 << 20
	// blockPrealloc bounds the initial buffer; larger blocks grow as bytes
	// arrive.
	blockPrealloc = 1 << 20
)

// Stats reports progress through a stream.
type Stats struct {
	Records int64
	// Bytes counts bytes consumed from the underlying source, before
	// decompression.
	Bytes int64
}

// Reader implements corpus.RecordIterator over a plain or gzip-compressed
// archive stream. Concatenated gzip members are read as one stream.
type Reader struct {
	src     *countingReader
	gz      *gzip.Reader
	br      *bufio.Reader
	records int64
}

// NewReader sniffs the gzip magic and wraps r accordingly.
func NewReader(r io.Reader) (*Reader, error) {
	src := &countingReader{r: r}
	peek := bufio.NewReader(src)
	magic, err := peek.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("sniff stream: %w", err)
	}
	reader := &Reader{src: src}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(peek)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip header: %w", ErrMalformed, err)
		}
		gz.Multistream(true)
		reader.gz = gz
		reader.br = bufio.NewReaderSize(gz, 64<<10)
	} else {
		reader.br = peek
	}
	return reader, nil
}

// Next returns the next record or io.EOF at a clean end of stream.
func (r *Reader) Next() (corpus.ArchiveRecord, error) {
	version, err := r.versionLine()
	if err != nil {
		return corpus.ArchiveRecord{}, err
	}
	headers, err := r.headerBlock()
	if err != nil {
		return corpus.ArchiveRecord{}, fmt.Errorf("%s record: %w", version, err)
	}

	length, err := contentLength(headers)
	if err != nil {
		return corpus.ArchiveRecord{}, err
	}
	var buf bytes.Buffer
	buf.Grow(int(min(length, blockPrealloc)))
	if _, err := io.CopyN(&buf, r.br, length); err != nil {
		return corpus.ArchiveRecord{}, fmt.Errorf("%w: short block (want %d bytes, got %d): %w", ErrMalformed, length, buf.Len(), err)
	}
	block := buf.Bytes()
	r.records++

	rec := corpus.ArchiveRecord{
		Type:    corpus.RecordType(strings.ToLower(headers["WARC-Type"])),
		Headers: headers,
		Payload: block,
	}
	if rec.Type == corpus.RecordResponse {
		rec.HTTPHeaders, rec.Payload = splitHTTP(block)
	}
	return rec, nil
}

// Stats reports the records and source bytes consumed so far.
func (r *Reader) Stats() Stats {
	return Stats{Records: r.records, Bytes: r.src.n}
}

// Close releases the decompressor. It does not close the source.
func (r *Reader) Close() error {
	if r.gz != nil {
		return r.gz.Close()
	}
	return nil
}

func (r *Reader) versionLine() (string, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return "", err
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "WARC/") {
			return "", fmt.Errorf("%w: unexpected version line %q", ErrMalformed, truncate(line, 64))
		}
		return line, nil
	}
}

func (r *Reader) headerBlock() (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: truncated header block", ErrMalformed)
			}
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line without colon %q", ErrMalformed, truncate(line, 64))
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// readLine returns a line without its terminator.
func (r *Reader) readLine() (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return "", fmt.Errorf("%w: unterminated line", ErrMalformed)
			}
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("read line: %w", err)
		}
		buf = append(buf, chunk...)
		if len(buf) > maxHeaderLine {
			return "", fmt.Errorf("%w: header line exceeds %d bytes", ErrMalformed, maxHeaderLine)
		}
		if !isPrefix {
			return string(buf), nil
		}
	}
}

func contentLength(headers map[string]string) (int64, error) {
	raw, ok := headers["Content-Length"]
	if !ok {
		for key, value := range headers {
			if strings.EqualFold(key, "Content-Length") {
				raw, ok = value, true
				break
			}
		}
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing Content-Length", ErrMalformed)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, raw)
	}
	if n > MaxBlockSize {
		return 0, fmt.Errorf("%w: Content-Length %d exceeds %d", ErrMalformed, n, MaxBlockSize)
	}
	return n, nil
}

// splitHTTP separates the captured HTTP head from the body. Blocks without a
// recognizable head are returned whole as payload.
func splitHTTP(block []byte) (http.Header, []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(block, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(block, sep)
	}
	if idx < 0 || !bytes.HasPrefix(block, []byte("HTTP/")) {
		return http.Header{}, block
	}
	head := block[:idx+len(sep)]
	body := block[idx+len(sep):]

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	if _, err := tp.ReadLine(); err != nil {
		return http.Header{}, body
	}
	mime, err := tp.ReadMIMEHeader()
	if err != nil && len(mime) == 0 {
		return http.Header{}, body
	}
	return http.Header(mime), body
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
