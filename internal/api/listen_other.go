//go:build !linux && !windows

package api

import "net"

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
