package checkout

import (
	"context"
	"errors"
	"time"

	"rently/internal/marketplace"
	"rently/pkg/cache"
)

// LicenseVerifier is the slice of the marketplace client the eligibility
// check needs
type LicenseVerifier interface {
	GetDriverLicense(ctx context.Context) (*marketplace.DriverLicense, error)
}

// EligibilityService runs the driver-license pre-check before any booking
// is created. Positive results are cached; a failed check is never cached
// so the user can verify their license and retry immediately.
type EligibilityService struct {
	api   LicenseVerifier
	cache cache.Service
	ttl   time.Duration
}

// NewEligibilityService creates the eligibility checker. cacheService may
// be nil, in which case every check hits the marketplace.
func NewEligibilityService(api LicenseVerifier, cacheService cache.Service, ttl time.Duration) *EligibilityService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &EligibilityService{api: api, cache: cacheService, ttl: ttl}
}

// Check returns nil when the user's driver license is verified, the
// marketplace.ErrLicenseNotVerified sentinel when it is not, and a
// transient error otherwise.
func (s *EligibilityService) Check(ctx context.Context, userID string) error {
	if s.cache == nil {
		return s.verify(ctx)
	}

	var verified bool
	err := s.cache.GetOrSet(ctx, "rently:license:verified:"+userID, s.ttl, func() (interface{}, error) {
		if err := s.verify(ctx); err != nil {
			return nil, err
		}
		return true, nil
	}, &verified)
	if err != nil {
		if errors.Is(err, marketplace.ErrLicenseNotVerified) {
			return marketplace.ErrLicenseNotVerified
		}
		return err
	}
	if !verified {
		return marketplace.ErrLicenseNotVerified
	}
	return nil
}

func (s *EligibilityService) verify(ctx context.Context) error {
	license, err := s.api.GetDriverLicense(ctx)
	if err != nil {
		return err
	}
	if !license.Verified {
		return marketplace.ErrLicenseNotVerified
	}
	return nil
}
