package admission

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Limits are the size and capacity policy.
type Limits struct {
	MaxChunkSize uint64 // bytes per chunk
	MaxChunks    uint64 // declared chunks per file
	MaxFileSize  uint64 // largest possible file, reserved by the capacity check
	Capacity     uint64 // storage ceiling
	SafetyBuffer uint64
	MinFreeDisk  uint64 // 0 disables the volume check
}

// DefaultLimits returns the production policy: 6 chunks of 1.9MB, a 16GB
// ceiling and a 2MB safety buffer.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkSize: 1_900_000,
		MaxChunks:    6,
		MaxFileSize:  11_400_000,
		Capacity:     16_000_000_000,
		SafetyBuffer: 2_000_000,
	}
}

// capacityOK checks that a file of the maximum size still fits under the
// ceiling: persisted + maxFile - safety < capacity.
func (l Limits) capacityOK(persisted uint64) bool {
	return persisted+l.MaxFileSize < l.Capacity+l.SafetyBuffer
}

// checkCapacity returns ErrCapacityExceeded when the store cannot accept
// another maximum-size file, or when the data volume is below MinFreeDisk.
func (s *Service) checkCapacity() error {
	persisted := s.store.SizeBytes()
	if !s.limits.capacityOK(persisted) {
		return fmt.Errorf("%w: %d bytes persisted", ErrCapacityExceeded, persisted)
	}

	if s.limits.MinFreeDisk == 0 || s.dataDir == "" {
		return nil
	}
	_, _, available, err := s.volumeStats(s.dataDir)
	if err != nil {
		// Fail open: the logical ceiling above still applies.
		log.Warn().Err(err).Str("dir", s.dataDir).Msg("failed to read volume stats")
		return nil
	}
	if available < 0 || uint64(available) < s.limits.MinFreeDisk {
		return fmt.Errorf("%w: %d bytes free on data volume", ErrCapacityExceeded, available)
	}
	return nil
}
