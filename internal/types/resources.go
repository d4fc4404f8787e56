package types

// ResourceRequirements is the resource shape shared by node capacity,
// allocation, and scheduling requests: cpu in fractional cores, memory and
// disk in MB, network in Mbps, optional GPU dimensions, and an open-ended
// custom map for resources the built-in dimensions don't name.
type ResourceRequirements struct {
	CPU        float64            `json:"cpu" yaml:"cpu"`
	MemoryMB   float64            `json:"memoryMB" yaml:"memoryMB"`
	GPUMemoryMB float64           `json:"gpuMemoryMB,omitempty" yaml:"gpuMemoryMB,omitempty"`
	GPUCount   float64            `json:"gpuCount,omitempty" yaml:"gpuCount,omitempty"`
	DiskMB     float64            `json:"diskMB,omitempty" yaml:"diskMB,omitempty"`
	NetworkMbps float64           `json:"networkMbps,omitempty" yaml:"networkMbps,omitempty"`
	Custom     map[string]float64 `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Add returns the element-wise sum of two resource records. Custom
// dimensions are merged key by key.
func (r ResourceRequirements) Add(o ResourceRequirements) ResourceRequirements {
	out := ResourceRequirements{
		CPU:         r.CPU + o.CPU,
		MemoryMB:    r.MemoryMB + o.MemoryMB,
		GPUMemoryMB: r.GPUMemoryMB + o.GPUMemoryMB,
		GPUCount:    r.GPUCount + o.GPUCount,
		DiskMB:      r.DiskMB + o.DiskMB,
		NetworkMbps: r.NetworkMbps + o.NetworkMbps,
	}
	out.Custom = mergeCustom(r.Custom, o.Custom, 1)
	return out
}

// Sub returns r - o, element-wise. Used to compute freed resources and to
// restore pre-allocation state on release.
func (r ResourceRequirements) Sub(o ResourceRequirements) ResourceRequirements {
	out := ResourceRequirements{
		CPU:         r.CPU - o.CPU,
		MemoryMB:    r.MemoryMB - o.MemoryMB,
		GPUMemoryMB: r.GPUMemoryMB - o.GPUMemoryMB,
		GPUCount:    r.GPUCount - o.GPUCount,
		DiskMB:      r.DiskMB - o.DiskMB,
		NetworkMbps: r.NetworkMbps - o.NetworkMbps,
	}
	out.Custom = mergeCustom(r.Custom, o.Custom, -1)
	return out
}

func mergeCustom(a, b map[string]float64, sign float64) map[string]float64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] += sign * v
	}
	return out
}

// FitsWithin reports whether requested resources can be added to allocated
// without exceeding capacity on every dimension. GPU dimensions are included
// here deliberately: spec.md's open question about whether hasCapacity
// should treat gpu as a hard constraint is resolved in DESIGN.md in favor of
// treating it as hard, since allocate already accumulates gpu fields and
// leaving it unchecked would let gpu allocation silently exceed capacity.
func FitsWithin(allocated, capacity, requested ResourceRequirements) bool {
	if allocated.CPU+requested.CPU > capacity.CPU {
		return false
	}
	if allocated.MemoryMB+requested.MemoryMB > capacity.MemoryMB {
		return false
	}
	if requested.GPUMemoryMB > 0 && allocated.GPUMemoryMB+requested.GPUMemoryMB > capacity.GPUMemoryMB {
		return false
	}
	if requested.GPUCount > 0 && allocated.GPUCount+requested.GPUCount > capacity.GPUCount {
		return false
	}
	if requested.DiskMB > 0 && allocated.DiskMB+requested.DiskMB > capacity.DiskMB {
		return false
	}
	if requested.NetworkMbps > 0 && allocated.NetworkMbps+requested.NetworkMbps > capacity.NetworkMbps {
		return false
	}
	for k, v := range requested.Custom {
		if allocated.Custom[k]+v > capacity.Custom[k] {
			return false
		}
	}
	return true
}
