// Package httprange serves files with single byte-range support so agents
// can resume interrupted installer downloads.
package httprange

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/senhakan/appcenter-server/pkg/apperr"
)

// Range is an inclusive byte range within a file.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value for a file of size.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Parse interprets a Range header against a file of size bytes. An empty
// header returns nil. Only one "bytes=start-end", "bytes=start-" or
// "bytes=-suffix" range is accepted; anything else, or a range reaching
// past the end of the file, is not satisfiable.
func Parse(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}
	raw, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, apperr.RangeNotSatisfiable("Invalid range")
	}
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, ",") {
		return nil, apperr.RangeNotSatisfiable("Multiple ranges not supported")
	}
	startStr, endStr, ok := strings.Cut(raw, "-")
	if !ok {
		return nil, apperr.RangeNotSatisfiable("Invalid range")
	}

	var r Range
	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, apperr.RangeNotSatisfiable("Invalid range")
		}
		r.Start = max(size-suffix, 0)
		r.End = size - 1
	} else {
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, apperr.RangeNotSatisfiable("Invalid range")
		}
		r.Start = start
		r.End = size - 1
		if endStr != "" {
			if r.End, err = strconv.ParseInt(endStr, 10, 64); err != nil {
				return nil, apperr.RangeNotSatisfiable("Invalid range")
			}
		}
	}

	if r.Start < 0 || r.End >= size || r.Start > r.End {
		return nil, apperr.RangeNotSatisfiable("Invalid range")
	}
	return &r, nil
}

// Serve writes content to w as an attachment named filename, honoring the
// request's Range header. Validation errors are returned before anything
// is written; copy errors after the header are returned as-is.
func Serve(w http.ResponseWriter, req *http.Request, content io.ReadSeeker, size int64, filename string) error {
	rng, err := Parse(req.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return err
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))

	status := http.StatusOK
	length := size
	if rng != nil {
		if _, err := content.Seek(rng.Start, io.SeekStart); err != nil {
			return apperr.Internal("seek download", err)
		}
		status = http.StatusPartialContent
		length = rng.Length()
		h.Set("Content-Range", rng.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if req.Method == http.MethodHead {
		return nil
	}
	_, err = io.CopyN(w, content, length)
	return err
}
