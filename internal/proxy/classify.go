package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/mealhub/gateway/internal/errors"
)

// StatusClientClosedRequest is recorded, never sent, when the client goes
// away before the upstream answers.
const StatusClientClosedRequest = 499

// errnoNames maps the socket errors worth surfacing by name.
var errnoNames = map[syscall.Errno]string{
	syscall.EHOSTUNREACH:  "EHOSTUNREACH",
	syscall.ENETUNREACH:   "ENETUNREACH",
	syscall.EHOSTDOWN:     "EHOSTDOWN",
	syscall.ENETDOWN:      "ENETDOWN",
	syscall.EADDRNOTAVAIL: "EADDRNOTAVAIL",
	syscall.ECONNABORTED:  "ECONNABORTED",
	syscall.EPIPE:         "EPIPE",
	syscall.EACCES:        "EACCES",
	syscall.EPROTO:        "EPROTO",
}

// Classify maps an upstream transport error to the client-facing error.
// Refused connections are 503, resets and timeouts 504, and anything else
// 500 carrying the socket error name when one is known.
func Classify(err error) *errors.GatewayError {
	if err == nil {
		return nil
	}

	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return errors.ErrServiceUnavailable.Wrap(err)
	case stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, io.EOF):
		// EOF before a response means the upstream dropped the connection
		return errors.ErrConnectionReset.Wrap(err)
	case isTimeout(err):
		return errors.ErrRequestTimeout.Wrap(err)
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return errors.ErrUpstreamFailure.WithCode("ENOTFOUND").Wrap(err)
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		if name, ok := errnoNames[errno]; ok {
			return errors.ErrUpstreamFailure.WithCode(name).Wrap(err)
		}
	}

	return errors.ErrUpstreamFailure.Wrap(err)
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, os.ErrDeadlineExceeded) ||
		stderrors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// IsClientCanceled reports whether err stems from the inbound request
// being canceled rather than an upstream failure.
func IsClientCanceled(ctx context.Context, err error) bool {
	return stderrors.Is(err, context.Canceled) && stderrors.Is(ctx.Err(), context.Canceled)
}
