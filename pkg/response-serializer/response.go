package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Stored-At"

// TimedResponse is a response together with the time it was stored.
type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was written to a bucket.
	StoredAt time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 wire representation of the response.
// The storage time travels as an extra header that is removed again on read.
// The body of the given response is left readable.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	if res == nil {
		return nil, fmt.Errorf("Response not set")
	}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixMilli(), 10))
	bts, err := responseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// BytesToStoredResponse parses bytes created with StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if v := res.Header.Get(storedAtHeaderName); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return sRes, err
		}
		sRes.StoredAt = time.UnixMilli(ms)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	if res.ProtoMajor == 0 {
		res.ProtoMajor, res.ProtoMinor = 1, 1
	}
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	return buf.Bytes(), nil
}
