package kmain

import (
	"strconv"
	"strings"

	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
)

// DefaultHeapPages is the number of pages backing the kernel heap at boot.
const DefaultHeapPages = 256

var (
	errBadCmdLineValue = &kernel.Error{Module: "kmain", Message: "malformed boot command line value"}
	errUnknownCmdLine  = &kernel.Error{Module: "kmain", Message: "unknown boot command line option"}
)

// Config holds the boot-time tunables of the kernel.
type Config struct {
	// Layout is the memory layout handed to the memory managers.
	Layout mm.Layout

	// HeapPages is the number of pages the kernel heap starts with.
	HeapPages uintptr

	// MaxImage is the largest process image the loader accepts.
	MaxImage mm.Size
}

// DefaultConfig returns the configuration used when the boot command line
// is empty.
func DefaultConfig() Config {
	return Config{
		Layout:    mm.DefaultLayout(),
		HeapPages: DefaultHeapPages,
	}
}

// ParseCmdLine applies the key=value pairs of a boot command line on top of
// the default configuration. Sizes and addresses may be given in decimal or
// hex and take an optional K or M suffix. Flags without a value are
// ignored.
func ParseCmdLine(cmdLine string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	for _, pair := range strings.Fields(cmdLine) {
		kv := strings.Split(pair, "=")
		if len(kv) != 2 {
			continue
		}

		v, err := parseSize(kv[1])
		if err != nil {
			return cfg, err
		}

		switch kv[0] {
		case "kheap_pages":
			cfg.HeapPages = uintptr(v)
		case "kheap_max":
			cfg.Layout.HeapMaxSize = mm.Size(v)
		case "heap_base":
			cfg.Layout.HeapBase = uintptr(v)
		case "user_pool":
			cfg.Layout.UserPoolBase = uintptr(v)
		case "user_base":
			cfg.Layout.UserSpaceBase = uintptr(v)
		case "max_image":
			cfg.MaxImage = mm.Size(v)
		default:
			return cfg, errUnknownCmdLine
		}
	}

	return cfg, nil
}

func parseSize(s string) (uint64, *kernel.Error) {
	var mul uint64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		mul, s = uint64(mm.Kb), s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mul, s = uint64(mm.Mb), s[:len(s)-1]
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v*mul > 0xffffffff {
		return 0, errBadCmdLineValue
	}

	return v * mul, nil
}
