package api

import (
	"net"
	"os"

	splitio "github.com/splitio/go-client"
	"github.com/splitio/go-client/conf"
	"github.com/splitio/go-client/dtos"
)

const unknownMachine = "NA"

// BuildMetadata resolves the instance identity sent in headers and queued
// records. Disabled or unresolvable fields degrade to "NA".
func BuildMetadata(cfg *conf.SplitSdkConfig) dtos.Metadata {
	metadata := dtos.Metadata{
		SDKVersion:  "go-" + splitio.Version,
		MachineIP:   unknownMachine,
		MachineName: unknownMachine,
	}
	if !cfg.IPAddressesEnabled {
		return metadata
	}
	if cfg.IPAddress != "" {
		metadata.MachineIP = cfg.IPAddress
	} else if ip := localIP(); ip != "" {
		metadata.MachineIP = ip
	}
	if cfg.InstanceName != "" {
		metadata.MachineName = cfg.InstanceName
	} else if host, err := os.Hostname(); err == nil && host != "" {
		metadata.MachineName = host
	}
	return metadata
}

// localIP picks the first non-loopback IPv4 address, or "" when none.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
