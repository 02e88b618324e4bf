package netutil

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"
)

// DeviceInfo identifies this instance to peers and to the web UI.
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
	OS   string `json:"os"`
}

// NewDeviceInfo builds the identity advertised on the local network.
// name overrides the hostname when non-empty.
func NewDeviceInfo(port int, name string) DeviceInfo {
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		name = hostname
	}

	return DeviceInfo{
		ID:   uuid.NewString(),
		Name: name,
		IP:   LocalIP().String(),
		Port: port,
		OS:   runtime.GOOS,
	}
}

// URL returns the base address peers use to reach this instance.
func (d DeviceInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", d.IP, d.Port)
}

// LocalIP returns the IP of the interface holding the default outbound
// route. Falls back to loopback when the machine has no route at all.
// No packet is sent; the UDP dial only selects a source address.
func LocalIP() net.IP {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
