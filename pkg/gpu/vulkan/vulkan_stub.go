//go:build !darwin && !linux

package vulkan

// Devices always fails on platforms without a purego-loadable Vulkan loader.
func Devices() ([]PhysicalDevice, error) {
	return nil, ErrVulkanNotAvailable
}
