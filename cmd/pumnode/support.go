package main

import (
	"net/http"
	"os"

	"github.com/asbcorp24/pumnode/pkg/bus"
)

// sysfsGPIO drives a transceiver direction-enable pin through a sysfs-style
// value file, the same mechanism node.GPIOFile uses for role selection.
type sysfsGPIO struct {
	path string
}

func (g sysfsGPIO) Set(high bool) error {
	val := []byte("0")
	if high {
		val = []byte("1")
	}
	return os.WriteFile(g.path, val, 0o644)
}

var _ bus.GPIO = sysfsGPIO{}

// httpServer is a thin net/http.Server wrapper so runServer's goroutine has
// one ListenAndServe call to make, matching the teacher's pattern of
// isolating each long-lived task behind a single entry point.
type httpServer struct {
	addr    string
	handler http.Handler
}

func (s *httpServer) ListenAndServe() error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler}
	return srv.ListenAndServe()
}

// openArchiveFile opens (creating if necessary) the archive backing file.
func openArchiveFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}
