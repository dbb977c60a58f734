// Package gpu manages the accelerator devices used by the batched
// nearest-neighbour kernel.
//
// A Device exposes one generic primitive, NearestNeighbour, which finds
// the k rows of a library block closest (by sum of squared differences) to
// every row of a query block. Blocks are column-major, like device-side
// arrays, and every block, scratch and result array lives in a per-device
// buffer arena. Arena buffers are recycled only when a later call asks for
// exactly the same length, which is why callers keep block shapes constant
// across an embedding-dimension sweep.
//
// Device discovery:
//
//   - vulkan: physical devices are enumerated through the Vulkan loader
//     (see package vulkan); one Device slot is opened per physical device.
//   - host: Config.HostDevices slots backed by host memory.
//
// The primitive itself runs on the host for every backend: the Vulkan probe
// decides how many device slots to open and how to label them.
//
// Example Usage:
//
//	config := gpu.DefaultConfig()
//	config.Enabled = true
//
//	manager, err := gpu.NewManager(config)
//	if err != nil {
//		return err // no device and fallback disabled
//	}
//	defer manager.Close()
//
//	devices := manager.Devices()
//	err = gpu.Dispatch(ctx, devices, len(work), func(ctx context.Context, slot, i int) error {
//		return devices[slot].NearestNeighbour(ctx, work[i].query, library, k, work[i].idx, work[i].ssd)
//	})
//
// Thread Safety:
//
//	Manager methods are safe for concurrent use. A Device serializes calls
//	to NearestNeighbour; bind one goroutine per device for throughput.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/orneryd/mpedm/pkg/gpu/vulkan"
)

// Errors
var (
	ErrGPUNotAvailable   = errors.New("gpu: no compatible GPU found")
	ErrGPUDisabled       = errors.New("gpu: acceleration disabled")
	ErrOutOfMemory       = errors.New("gpu: out of GPU memory")
	ErrInvalidDimensions = errors.New("gpu: block dimension mismatch")
	ErrInvalidK          = errors.New("gpu: k exceeds library rows")
)

// Backend represents the device backend.
type Backend string

const (
	BackendNone   Backend = "none"   // CPU kernel only
	BackendVulkan Backend = "vulkan" // Vulkan-enumerated devices
	BackendHost   Backend = "host"   // Host-memory device slots
)

// Config holds accelerator configuration options.
//
// Example:
//
//	config := &gpu.Config{
//		Enabled:          true,
//		PreferredBackend: gpu.BackendVulkan,
//		MaxMemoryMB:      8192, // per device
//		FallbackOnError:  true, // host slots when no Vulkan device
//		DeviceID:         -1,   // all devices
//		HostDevices:      2,
//	}
type Config struct {
	// Enabled toggles accelerator use on/off
	Enabled bool `yaml:"enabled"`

	// PreferredBackend selects the backend (auto-detected if none)
	PreferredBackend Backend `yaml:"backend"`

	// MaxMemoryMB limits each device's buffer arena (0 = unlimited)
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// FallbackOnError opens host device slots when no accelerator is found
	FallbackOnError bool `yaml:"fallback_on_error"`

	// DeviceID selects one device; -1 opens every device found
	DeviceID int `yaml:"device_id"`

	// HostDevices is the number of host slots for BackendHost or fallback
	HostDevices int `yaml:"host_devices"`

	// Workers is the per-device parallelism over query rows (0 = NumCPU / devices)
	Workers int `yaml:"workers"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns sensible defaults for accelerator use.
//
// The defaults are conservative:
//   - accelerators disabled by default (must opt-in)
//   - automatic backend detection
//   - unlimited arena size
//   - host fallback enabled
//   - every device found
func DefaultConfig() *Config {
	return &Config{
		Enabled:          false, // Disabled by default, must opt-in
		PreferredBackend: BackendNone,
		MaxMemoryMB:      0,
		FallbackOnError:  true,
		DeviceID:         -1,
		HostDevices:      1,
	}
}

// DeviceInfo contains information about a device slot.
type DeviceInfo struct {
	ID        int
	Name      string
	Vendor    string
	Backend   Backend
	MemoryMB  int
	Available bool
}

// Manager owns the device slots opened for a run.
//
// Example:
//
//	manager, err := gpu.NewManager(config)
//	if err != nil {
//		return err
//	}
//	for _, dev := range manager.Devices() {
//		fmt.Printf("Using %s (%s)\n", dev.Info().Name, dev.Info().Backend)
//	}
type Manager struct {
	config  *Config
	logger  *slog.Logger
	devices []*Device
	enabled atomic.Bool
	mu      sync.RWMutex
}

// Stats tracks device usage.
type Stats struct {
	Calls            int64
	BufferReuses     int64
	BufferAllocs     int64
	BytesTransferred int64
	KernelTimeNs     int64
}

func (s *Stats) add(o Stats) {
	s.Calls += o.Calls
	s.BufferReuses += o.BufferReuses
	s.BufferAllocs += o.BufferAllocs
	s.BytesTransferred += o.BytesTransferred
	s.KernelTimeNs += o.KernelTimeNs
}

// NewManager probes for devices and opens a slot for each.
//
// With Enabled false the manager holds no devices and IsEnabled reports
// false. When probing finds nothing, FallbackOnError opens HostDevices
// host slots; otherwise ErrGPUNotAvailable is returned.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{config: config, logger: logger.With("component", "gpu")}

	if !config.Enabled {
		return m, nil
	}

	infos, err := detectDevices(config)
	if err != nil {
		if !config.FallbackOnError {
			return nil, err
		}
		m.logger.Warn("no accelerator found, using host devices", "error", err, "devices", hostCount(config))
		infos = hostDevices(config)
	}

	if config.DeviceID >= 0 {
		if config.DeviceID >= len(infos) {
			return nil, fmt.Errorf("%w: device %d requested, %d found", ErrGPUNotAvailable, config.DeviceID, len(infos))
		}
		infos = infos[config.DeviceID : config.DeviceID+1]
	}

	workers := config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() / len(infos)
		if workers < 1 {
			workers = 1
		}
	}
	for _, info := range infos {
		m.devices = append(m.devices, newDevice(info, config.MaxMemoryMB, workers))
		m.logger.Info("device opened", "id", info.ID, "name", info.Name, "backend", info.Backend, "memory_mb", info.MemoryMB)
	}
	m.enabled.Store(true)
	return m, nil
}

func hostCount(config *Config) int {
	if config.HostDevices > 0 {
		return config.HostDevices
	}
	return 1
}

func hostDevices(config *Config) []DeviceInfo {
	n := hostCount(config)
	infos := make([]DeviceInfo, n)
	for i := range infos {
		infos[i] = DeviceInfo{
			ID:        i,
			Name:      fmt.Sprintf("host-%d", i),
			Vendor:    runtime.GOARCH,
			Backend:   BackendHost,
			Available: true,
		}
	}
	return infos
}

// detectDevices finds device slots for the preferred backend, then Vulkan.
func detectDevices(config *Config) ([]DeviceInfo, error) {
	switch config.PreferredBackend {
	case BackendHost:
		return hostDevices(config), nil
	case BackendNone, BackendVulkan, "":
		return probeVulkan()
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrGPUNotAvailable, config.PreferredBackend)
	}
}

// probeVulkan lists Vulkan physical devices, skipping CPU implementations
// such as lavapipe.
func probeVulkan() ([]DeviceInfo, error) {
	devices, err := vulkan.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGPUNotAvailable, err)
	}
	var infos []DeviceInfo
	for _, d := range devices {
		if d.Type == vulkan.DeviceTypeCPU {
			continue
		}
		infos = append(infos, DeviceInfo{
			ID:        len(infos),
			Name:      d.Name,
			Vendor:    d.Vendor(),
			Backend:   BackendVulkan,
			MemoryMB:  d.MemoryMB,
			Available: true,
		})
	}
	if len(infos) == 0 {
		return nil, ErrGPUNotAvailable
	}
	return infos, nil
}

// IsEnabled returns whether any device slot is open.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// Devices returns the open device slots.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices
}

// Stats returns usage statistics summed over all devices.
func (m *Manager) Stats() Stats {
	var total Stats
	for _, d := range m.Devices() {
		total.add(d.Stats())
	}
	return total
}

// Close releases every device's buffers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		d.release()
	}
	m.devices = nil
	m.enabled.Store(false)
}
