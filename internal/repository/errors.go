package repository

import (
	"errors"

	"google.golang.org/grpc/codes"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignClosed   = errors.New("campaign does not accept donations")
	ErrInvalidDonation  = errors.New("invalid donation")
	ErrInvalidCampaign  = errors.New("invalid campaign")
	ErrConflict         = errors.New("concurrent update conflict")
	ErrAlreadySeeded    = errors.New("simulation data already seeded")
	ErrUnavailable      = errors.New("store unavailable")
)

// Code classifies a gateway error. Anything not recognised is treated as the
// store being unavailable.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrCampaignNotFound):
		return codes.NotFound
	case errors.Is(err, ErrInvalidDonation), errors.Is(err, ErrInvalidCampaign):
		return codes.InvalidArgument
	case errors.Is(err, ErrCampaignClosed):
		return codes.FailedPrecondition
	case errors.Is(err, ErrConflict):
		return codes.Aborted
	case errors.Is(err, ErrAlreadySeeded):
		return codes.AlreadyExists
	default:
		return codes.Unavailable
	}
}

// IsDomainError reports errors that describe the request rather than the
// health of the store. They never trip the circuit breaker.
func IsDomainError(err error) bool {
	switch Code(err) {
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists, codes.Aborted:
		return true
	}
	return false
}
