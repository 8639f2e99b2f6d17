package cbt

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// OffloadDevice is an optional pluggable co-processor hook: a backend may
// provide GPUSort/GPUAggregate with the same post-conditions as the CPU
// sort and aggregate. Access to the device is serialized tree-wide by a
// binary semaphore.
type OffloadDevice interface {
	// GPUSort must leave (hashes, records) ordered by hash. Any returned
	// error causes the caller to silently fall back to the CPU sort.
	GPUSort(hashes []uint32, records []Record) error

	// GPUAggregate must return a new (records, hashes) pair satisfying the
	// same post-condition as Buffer.Aggregate. Any returned error causes
	// the caller to fall back to the CPU aggregate.
	GPUAggregate(hashes []uint32, records []Record, merge MergeFunc) ([]Record, []uint32, error)
}

// serializedOffloadDevice wraps an OffloadDevice with the tree-wide binary
// semaphore that keeps only one buffer operation touching the device at a
// time, regardless of how many sorter/merger goroutines want to use it
// concurrently.
type serializedOffloadDevice struct {
	device OffloadDevice
	inUse  *semaphore.Weighted
}

// NewSerializedOffloadDevice wraps device so all callers serialize
// through a single binary semaphore.
func NewSerializedOffloadDevice(device OffloadDevice) OffloadDevice {
	return &serializedOffloadDevice{
		device: device,
		inUse:  semaphore.NewWeighted(1),
	}
}

func (s *serializedOffloadDevice) GPUSort(hashes []uint32, records []Record) error {
	if err := s.inUse.Acquire(context.Background(), 1); err != nil {
		return errors.Wrap(err, "acquire offload device")
	}
	defer s.inUse.Release(1)
	return s.device.GPUSort(hashes, records)
}

func (s *serializedOffloadDevice) GPUAggregate(hashes []uint32, records []Record, merge MergeFunc) ([]Record, []uint32, error) {
	if err := s.inUse.Acquire(context.Background(), 1); err != nil {
		return nil, nil, errors.Wrap(err, "acquire offload device")
	}
	defer s.inUse.Release(1)
	return s.device.GPUAggregate(hashes, records, merge)
}
