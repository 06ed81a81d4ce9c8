package model

import "fmt"

// ABI is an Android CPU architecture.
type ABI string

const (
	ABIArmeabiV7a ABI = "armeabi-v7a"
	ABIArm64V8a   ABI = "arm64-v8a"
	ABIX86        ABI = "x86"
	ABIX8664      ABI = "x86_64"
)

// AllABIs lists the known ABIs, 64-bit first.
var AllABIs = []ABI{ABIArm64V8a, ABIArmeabiV7a, ABIX8664, ABIX86}

func (a ABI) Is32Bit() bool {
	return a == ABIArmeabiV7a || a == ABIX86
}

func (a ABI) Valid() bool {
	switch a {
	case ABIArmeabiV7a, ABIArm64V8a, ABIX86, ABIX8664:
		return true
	}
	return false
}

// ParseABI accepts the canonical names plus a few common aliases.
func ParseABI(s string) (ABI, error) {
	switch s {
	case "armeabi-v7a", "arm", "armv7", "arm32":
		return ABIArmeabiV7a, nil
	case "arm64-v8a", "arm64", "aarch64":
		return ABIArm64V8a, nil
	case "x86", "i686", "386":
		return ABIX86, nil
	case "x86_64", "x64", "amd64":
		return ABIX8664, nil
	}
	return "", fmt.Errorf("unknown abi %q", s)
}

// BestABI picks the first device ABI the package supports. deviceABIs is in the
// device's preference order; prefer32Bit moves 32-bit ABIs to the front.
func BestABI(deviceABIs []ABI, supported []ABI, prefer32Bit bool) (ABI, error) {
	ordered := make([]ABI, 0, len(deviceABIs))
	if prefer32Bit {
		for _, a := range deviceABIs {
			if a.Is32Bit() {
				ordered = append(ordered, a)
			}
		}
		for _, a := range deviceABIs {
			if !a.Is32Bit() {
				ordered = append(ordered, a)
			}
		}
	} else {
		ordered = append(ordered, deviceABIs...)
	}
	for _, a := range ordered {
		for _, s := range supported {
			if a == s {
				return a, nil
			}
		}
	}
	return "", fmt.Errorf("%w: none of the device abis %v is supported (supported: %v)", ErrUnsupportedDevice, deviceABIs, supported)
}
