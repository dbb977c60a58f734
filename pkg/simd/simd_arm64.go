//go:build arm64 && !nosimd

package simd

import "github.com/viterin/vek/vek32"

// ARM64 uses the NEON assembly shipped with viterin/vek (see simd_vek.go).

func runtimeInfo() RuntimeInfo {
	info := vek32.Info()
	if info.Acceleration {
		return RuntimeInfo{
			Implementation: ImplNEON,
			Features:       info.CPUFeatures,
			Accelerated:    true,
		}
	}
	return RuntimeInfo{
		Implementation: ImplGeneric,
		Features:       info.CPUFeatures,
		Accelerated:    false,
	}
}
