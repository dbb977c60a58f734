//go:build darwin || linux

package vulkan

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Vulkan constants
const (
	vkSuccess = 0

	vkStructureTypeApplicationInfo    = 0
	vkStructureTypeInstanceCreateInfo = 1

	vkAPIVersion11 = uint32(0x00401000) // Version 1.1.0

	vkMemoryHeapDeviceLocalBit = 0x00000001
)

type vkInstance uintptr
type vkPhysicalDevice uintptr
type vkResult int32

type vkApplicationInfo struct {
	SType              uint32
	PNext              uintptr
	PApplicationName   uintptr
	ApplicationVersion uint32
	PEngineName        uintptr
	EngineVersion      uint32
	APIVersion         uint32
}

type vkInstanceCreateInfo struct {
	SType                   uint32
	PNext                   uintptr
	Flags                   uint32
	PApplicationInfo        *vkApplicationInfo
	EnabledLayerCount       uint32
	PpEnabledLayerNames     uintptr
	EnabledExtensionCount   uint32
	PpEnabledExtensionNames uintptr
}

type vkPhysicalDeviceProperties struct {
	APIVersion        uint32
	DriverVersion     uint32
	VendorID          uint32
	DeviceID          uint32
	DeviceType        uint32
	DeviceName        [256]byte
	PipelineCacheUUID [16]byte
	Limits            [512]byte // VkPhysicalDeviceLimits is large
	SparseProperties  [20]byte
}

type vkMemoryType struct {
	PropertyFlags uint32
	HeapIndex     uint32
}

type vkMemoryHeap struct {
	Size  uint64
	Flags uint32
}

type vkPhysicalDeviceMemoryProperties struct {
	MemoryTypeCount uint32
	MemoryTypes     [32]vkMemoryType
	MemoryHeapCount uint32
	MemoryHeaps     [16]vkMemoryHeap
}

var (
	loadOnce sync.Once
	loadErr  error

	vkCreateInstance                    func(pCreateInfo *vkInstanceCreateInfo, pAllocator uintptr, pInstance *vkInstance) vkResult
	vkDestroyInstance                   func(instance vkInstance, pAllocator uintptr)
	vkEnumeratePhysicalDevices          func(instance vkInstance, pPhysicalDeviceCount *uint32, pPhysicalDevices *vkPhysicalDevice) vkResult
	vkGetPhysicalDeviceProperties       func(physicalDevice vkPhysicalDevice, pProperties *vkPhysicalDeviceProperties)
	vkGetPhysicalDeviceMemoryProperties func(physicalDevice vkPhysicalDevice, pMemoryProperties *vkPhysicalDeviceMemoryProperties)
)

func libraryNames() []string {
	if runtime.GOOS == "darwin" {
		return []string{"libvulkan.1.dylib", "libvulkan.dylib", "libMoltenVK.dylib"}
	}
	return []string{"libvulkan.so.1", "libvulkan.so"}
}

func load() error {
	loadOnce.Do(func() {
		var lib uintptr
		var err error
		for _, name := range libraryNames() {
			lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				break
			}
		}
		if lib == 0 {
			loadErr = fmt.Errorf("%w: %v", ErrVulkanNotAvailable, err)
			return
		}
		purego.RegisterLibFunc(&vkCreateInstance, lib, "vkCreateInstance")
		purego.RegisterLibFunc(&vkDestroyInstance, lib, "vkDestroyInstance")
		purego.RegisterLibFunc(&vkEnumeratePhysicalDevices, lib, "vkEnumeratePhysicalDevices")
		purego.RegisterLibFunc(&vkGetPhysicalDeviceProperties, lib, "vkGetPhysicalDeviceProperties")
		purego.RegisterLibFunc(&vkGetPhysicalDeviceMemoryProperties, lib, "vkGetPhysicalDeviceMemoryProperties")
	})
	return loadErr
}

// Devices enumerates the Vulkan physical devices. A fresh instance is
// created and destroyed on every call.
func Devices() ([]PhysicalDevice, error) {
	if err := load(); err != nil {
		return nil, err
	}

	appName := []byte("mpedm\x00")
	engineName := []byte("mpedm knn\x00")

	appInfo := vkApplicationInfo{
		SType:              vkStructureTypeApplicationInfo,
		PApplicationName:   uintptr(unsafe.Pointer(&appName[0])),
		ApplicationVersion: 0x00010000,
		PEngineName:        uintptr(unsafe.Pointer(&engineName[0])),
		EngineVersion:      0x00010000,
		APIVersion:         vkAPIVersion11,
	}
	createInfo := vkInstanceCreateInfo{
		SType:            vkStructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}

	var instance vkInstance
	if result := vkCreateInstance(&createInfo, 0, &instance); result != vkSuccess {
		return nil, fmt.Errorf("%w (code %d)", ErrInstanceCreation, result)
	}
	defer vkDestroyInstance(instance, 0)
	runtime.KeepAlive(appName)
	runtime.KeepAlive(engineName)

	var count uint32
	if result := vkEnumeratePhysicalDevices(instance, &count, nil); result != vkSuccess {
		return nil, fmt.Errorf("vulkan: enumerate physical devices failed (code %d)", result)
	}
	if count == 0 {
		return nil, nil
	}
	handles := make([]vkPhysicalDevice, count)
	if result := vkEnumeratePhysicalDevices(instance, &count, &handles[0]); result != vkSuccess {
		return nil, fmt.Errorf("vulkan: enumerate physical devices failed (code %d)", result)
	}

	devices := make([]PhysicalDevice, 0, count)
	for i, h := range handles[:count] {
		var props vkPhysicalDeviceProperties
		vkGetPhysicalDeviceProperties(h, &props)
		var mem vkPhysicalDeviceMemoryProperties
		vkGetPhysicalDeviceMemoryProperties(h, &mem)

		name := props.DeviceName[:]
		if n := bytes.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}
		devices = append(devices, PhysicalDevice{
			Index:    i,
			Name:     string(name),
			VendorID: props.VendorID,
			DeviceID: props.DeviceID,
			Type:     DeviceType(props.DeviceType),
			MemoryMB: deviceLocalMB(&mem),
		})
	}
	return devices, nil
}

func deviceLocalMB(mem *vkPhysicalDeviceMemoryProperties) int {
	var largest uint64
	for i := uint32(0); i < mem.MemoryHeapCount && i < uint32(len(mem.MemoryHeaps)); i++ {
		h := mem.MemoryHeaps[i]
		if h.Flags&vkMemoryHeapDeviceLocalBit != 0 && h.Size > largest {
			largest = h.Size
		}
	}
	return int(largest / (1024 * 1024))
}
