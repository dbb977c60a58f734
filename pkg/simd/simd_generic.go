//go:build (!amd64 && !arm64) || nosimd

package simd

import "github.com/viterin/vek/vek32"

func runtimeInfo() RuntimeInfo {
	info := vek32.Info()
	return RuntimeInfo{
		Implementation: ImplGeneric,
		Features:       info.CPUFeatures,
		Accelerated:    false,
	}
}
