package tracker

import (
	"runtime"

	"github.com/elastic/go-sysinfo"
)

// DeviceInfo probes the host once and returns the platform fields sent as
// batch info. It never fails; fields it cannot determine are left out.
func DeviceInfo() map[string]any {
	info := map[string]any{
		"platform":  runtime.GOOS,
		"arch":      runtime.GOARCH,
		"goVersion": runtime.Version(),
	}
	host, err := sysinfo.Host()
	if err != nil {
		return info
	}
	hi := host.Info()
	if hi.Architecture != "" {
		info["arch"] = hi.Architecture
	}
	if hi.OS != nil {
		setIfNotEmpty(info, "osType", hi.OS.Type)
		setIfNotEmpty(info, "osFamily", hi.OS.Family)
		setIfNotEmpty(info, "osName", hi.OS.Name)
		setIfNotEmpty(info, "osVersion", hi.OS.Version)
	}
	setIfNotEmpty(info, "kernelVersion", hi.KernelVersion)
	return info
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
