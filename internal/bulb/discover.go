package bulb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

var sysinfoRequest = []byte(`{"system":{"get_sysinfo":{}}}`)

// Found is a device that answered discovery.
type Found struct {
	Addr string // host:port for TCP commands
	Info SysInfo
}

// Discoverer finds devices on the local network. Implementations return
// devices in the order they answered.
type Discoverer interface {
	Discover(ctx context.Context) ([]Found, error)
}

// UDPDiscoverer broadcasts a get_sysinfo probe and collects replies until
// the context expires.
type UDPDiscoverer struct {
	Broadcast string // default 255.255.255.255
	Port      int    // probe destination, default 9999
	TCPPort   int    // command port recorded in Found.Addr, default 9999
	Probes    int    // probe packets sent, default 3
}

func (d UDPDiscoverer) Discover(ctx context.Context) ([]Found, error) {
	broadcast := d.Broadcast
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}
	ip := net.ParseIP(broadcast)
	if ip == nil {
		return nil, fmt.Errorf("invalid broadcast address %q", broadcast)
	}
	dst := &net.UDPAddr{IP: ip, Port: orDefault(d.Port, DefaultPort)}
	tcpPort := strconv.Itoa(orDefault(d.TCPPort, DefaultPort))

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	probe := encrypt(sysinfoRequest)
	for i := 0; i < orDefault(d.Probes, 3); i++ {
		if _, err := conn.WriteTo(probe, dst); err != nil {
			return nil, fmt.Errorf("failed to send discovery probe: %w", err)
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var found []Found
	seen := make(map[string]bool)
	buf := make([]byte, 8192)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
				return found, nil
			}
			return found, fmt.Errorf("discovery read failed: %w", err)
		}

		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		host := udp.IP.String()
		if seen[host] {
			continue
		}

		info, err := parseSysInfoReply(decrypt(buf[:n]))
		if err != nil {
			slog.Debug("Ignoring discovery reply", "from", host, "error", err)
			continue
		}
		seen[host] = true
		found = append(found, Found{Addr: net.JoinHostPort(host, tcpPort), Info: info})
	}
}

func parseSysInfoReply(data []byte) (SysInfo, error) {
	var reply struct {
		System struct {
			GetSysinfo *SysInfo `json:"get_sysinfo"`
		} `json:"system"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return SysInfo{}, err
	}
	if reply.System.GetSysinfo == nil {
		return SysInfo{}, errors.New("reply has no sysinfo")
	}
	return *reply.System.GetSysinfo, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
