// Package node wires together one node's shared collaborators — bus,
// archive, config, logger, halt hook — into a single Context, replacing the
// global-mutable-singleton pattern the teacher's service package uses with
// one struct built once in main and passed to whichever role's tasks run.
package node

import (
	"log"
	"os"

	"github.com/asbcorp24/pumnode/pkg/archive"
	"github.com/asbcorp24/pumnode/pkg/bus"
	"github.com/asbcorp24/pumnode/pkg/config"
)

// Role is which of the two pipelines a node runs (spec §4/§6).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// RoleGPIO abstracts the strap pin or jumper that tells a node which role to
// boot into. Read once at startup.
type RoleGPIO interface {
	Read() bool // true => RoleServer
}

// Context is every shared collaborator a role's tasks need. It is
// constructed once in cmd/pumnode/main.go and passed down explicitly,
// instead of living behind package-level globals.
type Context struct {
	Role    Role
	Bus     *bus.Bus
	Archive *archive.Archive
	Config  *config.Store
	Logger  *log.Logger

	// Halt is invoked on a fatal, unrecoverable condition (spec §7): a
	// non-volatile I/O failure the archive cannot proceed past. It is also
	// what pkg/archive.Open's halt callback is bound to.
	Halt func(reason string)
}

// ResolveRole reads gpio once, unless override is non-nil (the -role flag,
// for bench testing without hardware).
func ResolveRole(gpio RoleGPIO, override *Role) Role {
	if override != nil {
		return *override
	}
	if gpio != nil && gpio.Read() {
		return RoleServer
	}
	return RoleClient
}

// New builds a Context. halt defaults to a log-and-exit handler matching the
// teacher's log.Fatalf usage for unrecoverable setup failures.
func New(role Role, b *bus.Bus, arc *archive.Archive, cfg *config.Store, logger *log.Logger, halt func(string)) *Context {
	if logger == nil {
		logger = log.Default()
	}
	if halt == nil {
		halt = func(reason string) {
			logger.Fatalf("node: halting: %s", reason)
		}
	}
	return &Context{Role: role, Bus: b, Archive: arc, Config: cfg, Logger: logger, Halt: halt}
}

// GPIOFile is a RoleGPIO backed by reading a single line out of a sysfs-style
// file, e.g. a GPIO value node exported by the kernel.
type GPIOFile struct {
	Path string
}

// Read reads the strap pin file and reports true for any value other than
// "0" (missing file counts as not-set, i.e. false / RoleClient).
func (g GPIOFile) Read() bool {
	data, err := os.ReadFile(g.Path)
	if err != nil {
		return false
	}
	return len(data) > 0 && data[0] != '0'
}

var _ RoleGPIO = GPIOFile{}
