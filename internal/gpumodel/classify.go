package gpumodel

import "strings"

// Vendor identifies the GPU manufacturer. It is informational: no caller
// reads it, and it never affects placement or capacity accounting.
type Vendor string

const (
	VendorNVIDIA  Vendor = "NVIDIA"
	VendorAMD     Vendor = "AMD"
	VendorIntel   Vendor = "Intel"
	VendorUnknown Vendor = "Unknown"
)

// Tier is a coarse performance class, also informational only.
type Tier string

const (
	TierEnterprise Tier = "enterprise"
	TierHighEnd    Tier = "high_end"
	TierMidRange   Tier = "mid_range"
	TierUnknown    Tier = "unknown"
)

// Class is the result of classifying a GPU by its reported name.
// NominalSMCores is a rough default for local enumerators that can read a
// device's memory and clock but have no direct way to query its SM count.
type Class struct {
	Vendor         Vendor
	Tier           Tier
	NominalSMCores uint32
}

var knownModels = map[string]Class{
	"H100":    {VendorNVIDIA, TierEnterprise, 132},
	"H200":    {VendorNVIDIA, TierEnterprise, 132},
	"A100":    {VendorNVIDIA, TierHighEnd, 108},
	"V100":    {VendorNVIDIA, TierHighEnd, 80},
	"RTX4090": {VendorNVIDIA, TierMidRange, 128},
	"RTX3090": {VendorNVIDIA, TierMidRange, 82},
	"MI300X":  {VendorAMD, TierEnterprise, 304},
	"MI250X":  {VendorAMD, TierHighEnd, 220},
	"MI210":   {VendorAMD, TierMidRange, 104},
	"ARC770":  {VendorIntel, TierMidRange, 32},
}

// Classify maps a reported GPU name to a vendor/tier/nominal-cores class,
// matching exact, then case-insensitive, then substring, falling back to a
// vendor guess with an unknown tier.
func Classify(name string) Class {
	trimmed := strings.TrimSpace(name)
	if class, ok := knownModels[trimmed]; ok {
		return class
	}

	lower := strings.ToLower(trimmed)
	for key, class := range knownModels {
		if strings.ToLower(key) == lower {
			return class
		}
	}
	for key, class := range knownModels {
		if strings.Contains(lower, strings.ToLower(key)) {
			return class
		}
	}

	return Class{Vendor: guessVendor(lower), Tier: TierUnknown}
}

func guessVendor(lower string) Vendor {
	switch {
	case strings.Contains(lower, "nvidia"), strings.Contains(lower, "rtx"),
		strings.Contains(lower, "gtx"), strings.Contains(lower, "tesla"),
		strings.HasPrefix(lower, "a100"), strings.HasPrefix(lower, "h100"),
		strings.HasPrefix(lower, "h200"), strings.HasPrefix(lower, "v100"):
		return VendorNVIDIA
	case strings.Contains(lower, "amd"), strings.Contains(lower, "radeon"),
		strings.HasPrefix(lower, "mi"), strings.HasPrefix(lower, "rx"):
		return VendorAMD
	case strings.Contains(lower, "intel"), strings.Contains(lower, "arc"):
		return VendorIntel
	default:
		return VendorUnknown
	}
}
