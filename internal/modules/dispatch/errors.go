// README: Dispatch sentinel errors, mapped to the API error taxonomy at the HTTP edge.
package dispatch

import "errors"

var (
	ErrBadRequest       = errors.New("bad request")
	ErrForbidden        = errors.New("caller does not own this request")
	ErrRequestNotFound  = errors.New("request not found")
	ErrRequestClosed    = errors.New("request no longer searching")
	ErrRequestExpired   = errors.New("request expired")
	ErrAlreadyAssigned  = errors.New("request already assigned to another driver")
	ErrNotOffered       = errors.New("driver holds no offer for this request")
	ErrNotEligible      = errors.New("passenger not eligible for a free ride")
	ErrAcceptInProgress = errors.New("acceptance already in progress for this key")
	ErrRetryAccept      = errors.New("previous attempt with this key failed; retry with a new key")
)
