package tier

import "errors"

var (
	ErrUnknownTier          = errors.New("unknown subscription tier")
	ErrUnknownCapability    = errors.New("unknown capability")
	ErrInvalidConfiguration = errors.New("invalid tier configuration")
	ErrFailedToLoadTiers    = errors.New("failed to load tier definitions")
	ErrNoGrantingTier       = errors.New("no tier grants the capability")
)
