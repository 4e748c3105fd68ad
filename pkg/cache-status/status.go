package cachestatus

import "fmt"

// HeaderName is the response header carrying the cache status.
const HeaderName = "Cache-Status"

const cacheName = "Offline-Worker"

type Status string

const (
	Hit Status = "hit"
	Fwd Status = "fwd"
)

type FwdReason string

const (
	// The worker was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The bucket did not contain a response for the request.
	FwdUriMiss FwdReason = "uri-miss"

	// The policy prefers the network even though a response may be stored.
	FwdRequest FwdReason = "request"

	// A stored response exists but is being revalidated.
	FwdStale FwdReason = "stale"
)

// CacheStatus describes how the worker handled a request.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is set when the forwarded response was written to a bucket.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = Hit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = Fwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) SetDetail(detail string) {
	cs.Detail = detail
}

// IsHit reports whether the response came from a bucket.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == Hit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == Fwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
