package binance

import (
	"context"
	"errors"

	"github.com/adshao/go-binance/v2/common"
)

// Binance error codes that say nothing about the request itself.
const (
	codeUnknown         = -1000
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeTimeout         = -1007
	codeServerBusy      = -1008
	codeNoSuchOrder     = -2013
)

func apiError(err error) (*common.APIError, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ambiguous reports whether a failed mutating request may still have been
// executed. Anything that is not a decoded venue rejection qualifies:
// transport failures, deadlines, undecodable bodies.
func ambiguous(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := apiError(err); ok {
		switch apiErr.Code {
		case codeUnknown, codeDisconnected, codeTimeout:
			return true
		}
		return false
	}
	return true
}

// countsAgainstVenue decides what trips the breaker: transport failures and
// venue-side overload, not rejections of a well-formed request.
func countsAgainstVenue(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := apiError(err); ok {
		switch apiErr.Code {
		case codeUnknown, codeDisconnected, codeTooManyRequests, codeTimeout, codeServerBusy:
			return true
		}
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func isNoSuchOrder(err error) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.Code == codeNoSuchOrder
}
