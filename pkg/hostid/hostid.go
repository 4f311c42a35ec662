// Package hostid identifies the node a process runs on.
package hostid

import (
	"os"
	"sync"

	"github.com/denisbrodbeck/machineid"
)

const appID = "papertrade"

var (
	once sync.Once
	id   string
)

// ID returns a stable node identifier. The raw machine id is hashed with the
// application id so it is never exposed. Hosts without a machine id fall
// back to the hostname.
func ID() string {
	once.Do(func() {
		id = resolve(func() (string, error) { return machineid.ProtectedID(appID) }, os.Hostname)
	})
	return id
}

func resolve(machine, hostname func() (string, error)) string {
	if mid, err := machine(); err == nil && mid != "" {
		if len(mid) > 16 {
			mid = mid[:16]
		}
		return mid
	}
	if h, err := hostname(); err == nil && h != "" {
		return "host-" + h
	}
	return "unknown"
}
