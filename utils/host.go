package utils

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/host"
)

// Station identifies the PC running the bench; it is stored on every
// session row.
type Station struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	HostID   string `json:"host_id"`
}

func (s Station) String() string {
	return fmt.Sprintf("%s (%s %s)", s.Hostname, s.OS, s.Platform)
}

// LocalStation falls back to os.Hostname when host info is unavailable.
func LocalStation() Station {
	info, err := host.Info()
	if err != nil || info == nil {
		name, _ := os.Hostname()
		return Station{Hostname: name}
	}
	return Station{
		Hostname: info.Hostname,
		OS:       info.OS,
		Platform: info.Platform + " " + info.PlatformVersion,
		HostID:   info.HostID,
	}
}
