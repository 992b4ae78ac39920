package scan

import (
	"context"
	"net"
	"strconv"

	"valmon/internal/storage"
)

// DefaultPorts is the sweep used when no port list is configured: remote
// access, web surfaces, and the validator RPC/websocket pair.
func DefaultPorts() []int {
	return []int{22, 80, 443, 8000, 8001, 8899, 8900}
}

var wellKnownServices = map[int]string{
	22:   "ssh",
	53:   "dns",
	80:   "http",
	443:  "https",
	3306: "mysql",
	5432: "postgres",
	6379: "redis",
	8000: "http-alt",
	8001: "gossip",
	8899: "rpc",
	8900: "rpc-ws",
}

// ServiceName labels a port for reporting. Unknown ports get an empty name.
func ServiceName(port int) string { return wellKnownServices[port] }

// DialProbe returns a Probe that attempts a TCP connect on each port in
// order. A refused or filtered port is not an error; only a context
// deadline/cancel fails the target.
func DialProbe(ports []int) Probe {
	return func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		var d net.Dialer
		var findings []storage.OpenPort
		for _, port := range ports {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			addr := net.JoinHostPort(target.IPAddress, strconv.Itoa(port))
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			conn.Close()
			findings = append(findings, storage.OpenPort{
				Protocol: "tcp",
				Port:     port,
				Service:  ServiceName(port),
			})
		}
		return findings, nil
	}
}
