package command_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/command"
	"github.com/granarydbt/granary/internal/option"
)

func TestInitThenAttachDetachExit(t *testing.T) {
	var gotOpts *option.Set
	var attached, detached, exited int

	dev := command.NewDevice(command.Hooks{
		Init:   func(o *option.Set) { gotOpts = o },
		Attach: func() { attached++ },
		Detach: func() { detached++ },
		Exit:   func() { exited++ },
	})

	n, err := dev.Write([]byte("init --thread_private_stacks\n"))
	require.NoError(t, err)
	require.Equal(t, len("init --thread_private_stacks\n"), n)
	require.True(t, dev.Initialized())
	require.NotNil(t, gotOpts)
	_, ok := gotOpts.Bool("thread_private_stacks")
	require.True(t, ok)

	dev.ProcessCommand("attach")
	require.True(t, dev.Attached())
	require.Equal(t, 1, attached)

	dev.ProcessCommand("detach")
	require.False(t, dev.Attached())
	require.Equal(t, 1, detached)

	dev.ProcessCommand("exit")
	require.False(t, dev.Initialized())
	require.Equal(t, 1, exited)
}

func TestInitIsIdempotent(t *testing.T) {
	calls := 0
	dev := command.NewDevice(command.Hooks{Init: func(*option.Set) { calls++ }})

	dev.ProcessCommand("init --verbose")
	dev.ProcessCommand("init --verbose")
	require.Equal(t, 1, calls)
}

func TestAttachBeforeInitIsIgnored(t *testing.T) {
	attached := 0
	dev := command.NewDevice(command.Hooks{Attach: func() { attached++ }})

	dev.ProcessCommand("attach")
	require.False(t, dev.Attached())
	require.Equal(t, 0, attached)
}

func TestDetachWithoutAttachIsIgnored(t *testing.T) {
	detached := 0
	dev := command.NewDevice(command.Hooks{Detach: func() { detached++ }})

	dev.ProcessCommand("init")
	dev.ProcessCommand("detach")
	require.Equal(t, 0, detached)
}

func TestExitWhileAttachedIsIgnored(t *testing.T) {
	exited := 0
	dev := command.NewDevice(command.Hooks{Exit: func() { exited++ }})

	dev.ProcessCommand("init")
	dev.ProcessCommand("attach")
	dev.ProcessCommand("exit")
	require.Equal(t, 0, exited)
	require.True(t, dev.Initialized())
}

func TestReinitAfterExitRunsInitAgain(t *testing.T) {
	calls := 0
	dev := command.NewDevice(command.Hooks{Init: func(*option.Set) { calls++ }})

	dev.ProcessCommand("init")
	dev.ProcessCommand("exit")
	dev.ProcessCommand("init")
	require.Equal(t, 2, calls)
}
