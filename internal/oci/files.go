package oci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteResolvConf writes the bundle's resolv.conf.
func WriteResolvConf(bundleDir string, nameservers []string) error {
	if len(nameservers) == 0 {
		nameservers = []string{"1.1.1.1", "8.8.8.8"}
	}
	var b strings.Builder
	for _, ns := range nameservers {
		fmt.Fprintf(&b, "nameserver %s\n", ns)
	}
	return os.WriteFile(filepath.Join(bundleDir, "resolv.conf"), []byte(b.String()), 0o644)
}

// WriteHosts writes the bundle's hosts file with the loopback entries plus
// the container's own hostname.
func WriteHosts(bundleDir, hostname string, extra map[string]string) error {
	var b strings.Builder
	b.WriteString("127.0.0.1 localhost\n")
	b.WriteString("::1 localhost ip6-localhost ip6-loopback\n")
	if hostname != "" {
		fmt.Fprintf(&b, "127.0.1.1 %s\n", hostname)
	}
	for host, ip := range extra {
		fmt.Fprintf(&b, "%s %s\n", ip, host)
	}
	return os.WriteFile(filepath.Join(bundleDir, "hosts"), []byte(b.String()), 0o644)
}
