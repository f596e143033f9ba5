package extractor

import (
	"errors"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsRetryable reports whether err is a transient server-side failure (5xx class).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= http.StatusInternalServerError
	}

	var aerr *apierror.APIError
	if errors.As(err, &aerr) {
		if code := aerr.HTTPCode(); code > 0 {
			return code >= http.StatusInternalServerError
		}
		if st := aerr.GRPCStatus(); st != nil {
			return retryableCode(st.Code())
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return retryableCode(st.Code())
	}

	var serr *ServerError
	return errors.As(err, &serr)
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unavailable, codes.Unknown, codes.DeadlineExceeded:
		return true
	}
	return false
}

// ServerError marks a provider failure as server side for providers whose
// errors carry no status.
type ServerError struct {
	Err error
}

func (e *ServerError) Error() string { return "server error: " + e.Err.Error() }

func (e *ServerError) Unwrap() error { return e.Err }
