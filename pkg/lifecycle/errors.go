package lifecycle

import "errors"

var (
	ErrInvalidTier     = errors.New("invalid subscription tier")
	ErrDuplicateActive = errors.New("an active paid subscription already exists")
	ErrNotFound        = errors.New("subscription not found")
	ErrNotAnUpgrade    = errors.New("target tier is not higher than the current tier")
	ErrNotADowngrade   = errors.New("target tier is not lower than the current tier")
	ErrInvalidWindow   = errors.New("subscription end date must be after start date")
	ErrRenewalFailed   = errors.New("subscription renewal charge failed")
)
