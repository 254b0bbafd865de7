/*
Copyright 2025 The Djl Serving Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wlm

import (
	"errors"
	"sync"
)

// CPUDevice is the synthetic device id handed out on deployments without
// accelerators. Its capacity is unbounded.
const CPUDevice = -1

// ErrDeviceExhausted is returned by Acquire when every configured device is
// at capacity. Scale-up treats this as "cannot scale now", not as fatal.
var ErrDeviceExhausted = errors.New("all devices are at capacity")

// DeviceAllocator hands out device slots to new workers, least-occupied
// device first. Acquire and Release are atomic; occupancy never exceeds the
// configured per-device capacity.
type DeviceAllocator struct {
	mu        sync.Mutex
	capacity  []int
	occupancy []int
}

// NewDeviceAllocator creates an allocator over the given per-device worker
// capacities, indexed by device id. An empty table models a CPU-only
// deployment where Acquire always yields CPUDevice.
func NewDeviceAllocator(capacities []int) *DeviceAllocator {
	caps := make([]int, len(capacities))
	copy(caps, capacities)
	return &DeviceAllocator{
		capacity:  caps,
		occupancy: make([]int, len(caps)),
	}
}

// Acquire reserves a slot on the least-occupied device with free capacity
// and returns its id. On a CPU-only allocator it returns CPUDevice.
func (a *DeviceAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.capacity) == 0 {
		return CPUDevice, nil
	}

	best := -1
	for id := range a.capacity {
		if a.occupancy[id] >= a.capacity[id] {
			continue
		}
		if best == -1 || a.occupancy[id] < a.occupancy[best] {
			best = id
		}
	}
	if best == -1 {
		return CPUDevice, ErrDeviceExhausted
	}

	a.occupancy[best]++
	return best, nil
}

// Release frees a slot previously returned by Acquire. Releasing CPUDevice
// is a no-op.
func (a *DeviceAllocator) Release(deviceID int) {
	if deviceID == CPUDevice {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if deviceID < 0 || deviceID >= len(a.occupancy) || a.occupancy[deviceID] == 0 {
		return
	}
	a.occupancy[deviceID]--
}

// Occupancy returns the current number of workers bound to the device.
func (a *DeviceAllocator) Occupancy(deviceID int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if deviceID < 0 || deviceID >= len(a.occupancy) {
		return 0
	}
	return a.occupancy[deviceID]
}

// NumDevices returns the number of configured devices, zero for CPU-only.
func (a *DeviceAllocator) NumDevices() int {
	return len(a.capacity)
}
