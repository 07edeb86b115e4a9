// Package command implements the command-plane device (spec.md §6):
// newline-terminated command lines written to a character device are
// parsed into `init <options>`, `attach`, `detach`, `exit`, each
// idempotent with respect to its own pre-condition, grounded on
// original_source/os/linux/kernel/module/command.c's ProcessCommand
// state machine (seen_init/seen_attach/seen_first_init).
package command

import (
	"strings"
	"sync"

	"github.com/granarydbt/granary/internal/granarylog"
	"github.com/granarydbt/granary/internal/option"
)

// Hooks are the core callbacks a Device drives. Any nil hook is
// treated as a no-op, matching how command.c's ProcessInit/Attach/
// Detach/Exit are themselves thin wrappers over externs.
type Hooks struct {
	// Init runs for an "init" received while not initialised: the first
	// one, and again for the first one after each "exit". An "init"
	// received while already initialised does not run it.
	Init func(opts *option.Set)
	// Attach runs when transitioning from detached to attached.
	Attach func()
	// Detach runs when transitioning from attached to detached.
	Detach func()
	// Exit runs on a successful "exit".
	Exit func()
}

// Device is an in-process stand-in for `/dev/granary`: Write accepts
// one newline-terminated command line at a time (spec.md §6: "the
// host writes newline-terminated command lines") and ProcessCommand
// applies command.c's idempotency rules under a lock.
type Device struct {
	mu sync.Mutex

	hooks Hooks

	seenInit      bool
	seenAttach    bool
	seenFirstInit bool
}

// NewDevice returns a Device driving hooks.
func NewDevice(hooks Hooks) *Device {
	return &Device{hooks: hooks}
}

// Write splits buf on newlines and runs each non-empty line through
// ProcessCommand, matching ParseCommand's "one command per write"
// framing in the original but tolerating multiple lines in one call.
func (d *Device) Write(buf []byte) (int, error) {
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d.ProcessCommand(line)
	}
	return len(buf), nil
}

func matchCommand(command, key string) bool {
	return strings.HasPrefix(command, key)
}

// ProcessCommand dispatches a single command line, matching
// ProcessCommand's dispatch order (init, attach, detach, exit) and
// idempotency guards exactly.
func (d *Device) ProcessCommand(command string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case matchCommand(command, "init"):
		if !d.seenInit {
			d.seenInit = true
			d.processInit(strings.TrimSpace(command[len("init"):]))
		}
	case matchCommand(command, "attach"):
		if d.seenInit && !d.seenAttach {
			d.seenAttach = true
			d.processAttach()
		}
	case matchCommand(command, "detach"):
		if d.seenAttach {
			d.seenAttach = false
			d.processDetach()
		}
	case matchCommand(command, "exit"):
		if d.seenInit && !d.seenAttach {
			d.processExit()
			d.seenInit = false
		}
	}
}

func (d *Device) processInit(rawOptions string) {
	if !d.seenFirstInit {
		d.seenFirstInit = true
	}
	opts := option.Parse(rawOptions)
	if d.hooks.Init != nil {
		d.hooks.Init(opts)
	}
	granarylog.L().Info("initialized")
}

func (d *Device) processAttach() {
	if d.hooks.Attach != nil {
		d.hooks.Attach()
	}
	granarylog.L().Info("attached")
}

func (d *Device) processDetach() {
	if d.hooks.Detach != nil {
		d.hooks.Detach()
	}
	granarylog.L().Info("detached")
}

func (d *Device) processExit() {
	if d.hooks.Exit != nil {
		d.hooks.Exit()
	}
	granarylog.L().Info("exited")
}

// Attached reports whether the device currently considers Granary
// attached (for tests and diagnostics).
func (d *Device) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenAttach
}

// Initialized reports whether "init" has been processed and not
// since undone by "exit".
func (d *Device) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seenInit
}
