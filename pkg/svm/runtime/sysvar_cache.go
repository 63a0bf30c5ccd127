package runtime

import (
	"fmt"
	"sync"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sysvar"
)

// SysvarCache holds the decoded sysvars programs may read.
type SysvarCache struct {
	mu            sync.RWMutex
	clock         *sysvar.Clock
	rent          *sysvar.Rent
	epochSchedule *sysvar.EpochSchedule
}

// NewSysvarCache returns an empty cache.
func NewSysvarCache() *SysvarCache {
	return &SysvarCache{}
}

// FillMissingEntries decodes every sysvar not yet cached from the account
// returned by get. Rent and the epoch schedule fall back to their defaults
// when no account exists; the clock stays unset.
func (c *SysvarCache) FillMissingEntries(get func(types.Pubkey) (*accounts.Account, bool)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clock == nil {
		if acct, ok := get(types.SysvarClockAddr); ok {
			var clock sysvar.Clock
			if err := clock.UnmarshalBinary(acct.Data); err != nil {
				return fmt.Errorf("clock sysvar: %w", err)
			}
			c.clock = &clock
		}
	}
	if c.rent == nil {
		rent := sysvar.DefaultRent()
		if acct, ok := get(types.SysvarRentAddr); ok {
			if err := rent.UnmarshalBinary(acct.Data); err != nil {
				return fmt.Errorf("rent sysvar: %w", err)
			}
		}
		c.rent = &rent
	}
	if c.epochSchedule == nil {
		es := sysvar.DefaultEpochSchedule()
		if acct, ok := get(types.SysvarEpochScheduleAddr); ok {
			if err := es.UnmarshalBinary(acct.Data); err != nil {
				return fmt.Errorf("epoch schedule sysvar: %w", err)
			}
		}
		c.epochSchedule = &es
	}
	return nil
}

// SetClock replaces the cached clock.
func (c *SysvarCache) SetClock(clock sysvar.Clock) {
	c.mu.Lock()
	c.clock = &clock
	c.mu.Unlock()
}

// Reset drops every entry.
func (c *SysvarCache) Reset() {
	c.mu.Lock()
	c.clock, c.rent, c.epochSchedule = nil, nil, nil
	c.mu.Unlock()
}

// Clock returns the cached clock.
func (c *SysvarCache) Clock() (sysvar.Clock, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clock == nil {
		return sysvar.Clock{}, svm.ErrUnsupportedSysvar
	}
	return *c.clock, nil
}

// Rent returns the cached rent parameters.
func (c *SysvarCache) Rent() (sysvar.Rent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rent == nil {
		return sysvar.Rent{}, svm.ErrUnsupportedSysvar
	}
	return *c.rent, nil
}

// EpochSchedule returns the cached epoch schedule.
func (c *SysvarCache) EpochSchedule() (sysvar.EpochSchedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.epochSchedule == nil {
		return sysvar.EpochSchedule{}, svm.ErrUnsupportedSysvar
	}
	return *c.epochSchedule, nil
}
