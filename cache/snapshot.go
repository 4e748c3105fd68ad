package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline/pkg/response-serializer"
)

// Snapshot is an immutable copy of a response as stored in a bucket.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// OK reports whether the snapshot represents a successful response.
// Only successful responses are ever stored.
func (s *Snapshot) OK() bool {
	return s != nil && s.StatusCode == http.StatusOK
}

// SnapshotFromResponse reads the response body and closes it.
func SnapshotFromResponse(res *http.Response) (*Snapshot, error) {
	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		var err error
		if body, err = io.ReadAll(res.Body); err != nil {
			return nil, err
		}
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &Snapshot{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// Response creates a fresh http.Response for the snapshot.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(s.StatusCode),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Bytes serializes the snapshot into its HTTP/1.1 wire form.
func (s *Snapshot) Bytes() ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response: s.Response(nil),
		StoredAt: s.StoredAt,
	})
}

// SnapshotFromBytes parses bytes created with Snapshot.Bytes.
func SnapshotFromBytes(b []byte) (*Snapshot, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return nil, err
	}
	snap, err := SnapshotFromResponse(sRes.Response)
	if err != nil {
		return nil, err
	}
	snap.StoredAt = sRes.StoredAt
	return snap, nil
}
