//go:build !windows

package main

import (
	"os"
	"syscall"
)

// stopSignals end the execution loop after its in-flight tick.
var stopSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}
