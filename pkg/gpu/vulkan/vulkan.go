// Package vulkan probes for Vulkan-capable accelerators.
//
// The Vulkan loader is opened at runtime with purego, so binaries build
// without CGO and run on hosts that have no Vulkan driver at all. Only the
// instance-level entry points needed to enumerate physical devices are
// bound.
//
// Supported Platforms:
//   - Linux: Loads libvulkan.so.1 (from Vulkan SDK or mesa)
//   - macOS: Loads libvulkan.dylib / libMoltenVK.dylib
//
// Other platforms report ErrVulkanNotAvailable.
package vulkan

import "errors"

// Errors
var (
	ErrVulkanNotAvailable = errors.New("vulkan: Vulkan is not available (library not found)")
	ErrInstanceCreation   = errors.New("vulkan: failed to create instance")
)

// DeviceType mirrors VkPhysicalDeviceType.
type DeviceType uint32

const (
	DeviceTypeOther         DeviceType = 0
	DeviceTypeIntegratedGPU DeviceType = 1
	DeviceTypeDiscreteGPU   DeviceType = 2
	DeviceTypeVirtualGPU    DeviceType = 3
	DeviceTypeCPU           DeviceType = 4
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegratedGPU:
		return "integrated-gpu"
	case DeviceTypeDiscreteGPU:
		return "discrete-gpu"
	case DeviceTypeVirtualGPU:
		return "virtual-gpu"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

// PhysicalDevice describes one enumerated device.
type PhysicalDevice struct {
	Index    int
	Name     string
	VendorID uint32
	DeviceID uint32
	Type     DeviceType
	// MemoryMB is the size of the largest device-local heap.
	MemoryMB int
}

// Vendor returns a readable vendor name for well-known PCI vendor ids.
func (d PhysicalDevice) Vendor() string {
	switch d.VendorID {
	case 0x10DE:
		return "NVIDIA"
	case 0x1002:
		return "AMD"
	case 0x8086:
		return "Intel"
	case 0x106B:
		return "Apple"
	case 0x13B5:
		return "ARM"
	case 0x5143:
		return "Qualcomm"
	default:
		return "Vulkan"
	}
}

// IsAvailable reports whether a Vulkan loader is present and exposes at
// least one physical device.
func IsAvailable() bool {
	return DeviceCount() > 0
}

// DeviceCount returns the number of Vulkan physical devices, or 0 when
// Vulkan is unavailable.
func DeviceCount() int {
	devices, err := Devices()
	if err != nil {
		return 0
	}
	return len(devices)
}
