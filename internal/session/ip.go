package session

import (
	"net"
	"net/url"
)

// clientIPHint guesses the local outbound address a connection to the peer
// would use, by dialing a UDP "connection" (no packet is actually sent) and
// reading back the chosen local address — the standard no-traffic trick for
// discovering an interface's routable address.
func clientIPHint(baseURL string) string {
	host := hostOf(baseURL)
	if host == "" {
		return "127.0.0.1"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "80"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// serverIPHint resolves the peer's hostname to an address for diagnostics.
func serverIPHint(baseURL string) string {
	host := hostOf(baseURL)
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	return ips[0]
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
