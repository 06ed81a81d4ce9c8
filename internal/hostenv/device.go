// Package hostenv detects the properties of the device apkfetch runs on.
package hostenv

import (
	"context"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/shell"
)

const (
	propABIList      = "ro.product.cpu.abilist"
	propABI          = "ro.product.cpu.abi"
	propSDK          = "ro.build.version.sdk"
	propManufacturer = "ro.product.manufacturer"
)

// Device is what release selection and result decoding need to know about the host.
type Device struct {
	ABIs         []model.ABI
	SDK          int
	Manufacturer string

	// Android is false when getprop is unavailable and the values are guesses.
	Android bool
}

// Detect reads system properties with getprop. Off Android it falls back to the
// ABI of the running binary and leaves SDK at zero.
func Detect(ctx context.Context, r shell.Runner) Device {
	d := Device{}
	if list := getprop(ctx, r, propABIList); list != "" {
		d.Android = true
		d.ABIs = parseABIList(list)
	} else if single := getprop(ctx, r, propABI); single != "" {
		d.Android = true
		d.ABIs = parseABIList(single)
	}
	if sdk := getprop(ctx, r, propSDK); sdk != "" {
		if n, err := strconv.Atoi(sdk); err == nil {
			d.SDK = n
		}
	}
	d.Manufacturer = getprop(ctx, r, propManufacturer)

	if len(d.ABIs) == 0 {
		if abi, err := model.ParseABI(runtime.GOARCH); err == nil {
			d.ABIs = []model.ABI{abi}
		}
	}
	log.WithFields(log.Fields{
		"abis":         d.ABIs,
		"sdk":          d.SDK,
		"manufacturer": d.Manufacturer,
		"android":      d.Android,
	}).Debug("detected device")
	return d
}

func getprop(ctx context.Context, r shell.Runner, name string) string {
	res, err := r.Run(ctx, "getprop "+name)
	if err != nil || !res.Success() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// parseABIList keeps the known ABIs of a comma separated list in order.
// armeabi and mips entries are dropped.
func parseABIList(list string) []model.ABI {
	var out []model.ABI
	seen := make(map[model.ABI]bool)
	for _, part := range strings.Split(list, ",") {
		abi := model.ABI(strings.TrimSpace(part))
		if !abi.Valid() || seen[abi] {
			continue
		}
		seen[abi] = true
		out = append(out, abi)
	}
	return out
}
