// File: cmd/atlas/main_test.go
package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
	stdin = os.Stdin
}

func TestHandlePanic(t *testing.T) {
	t.Run("writes the panic log and exits non-zero", func(t *testing.T) {
		defer resetMocks()
		var (
			written  string
			path     string
			exitCode = -1
		)
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			path, written = name, string(data)
			return nil
		}
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("surface exploded")
		}()

		assert.Equal(t, panicLogFile, path)
		assert.True(t, strings.HasPrefix(written, "panic: surface exploded"))
		assert.Contains(t, written, "goroutine", "the stack trace is included")
		assert.Equal(t, 1, exitCode)
	})

	t.Run("log write failure still exits non-zero", func(t *testing.T) {
		defer resetMocks()
		exitCode := -1
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }
		osExit = func(code int) { exitCode = code }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 1, exitCode)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		defer resetMocks()
		called := false
		osExit = func(int) { called = true }

		func() {
			defer handlePanic()
		}()

		assert.False(t, called)
	})
}

func TestInteractive(t *testing.T) {
	t.Run("runs commands until exit", func(t *testing.T) {
		var out bytes.Buffer
		in := strings.NewReader("\nversion\nexit\nversion\n")

		err := interactive(context.Background(), in, &out)

		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(out.String(), "atlas version"), "nothing after exit runs")
		assert.Contains(t, out.String(), "Exiting atlas.")
	})

	t.Run("stops at EOF", func(t *testing.T) {
		var out bytes.Buffer

		err := interactive(context.Background(), strings.NewReader(""), &out)

		require.NoError(t, err)
		assert.Contains(t, out.String(), "atlas > ")
		assert.Contains(t, out.String(), "Exiting atlas.")
	})

	t.Run("unknown commands do not end the shell", func(t *testing.T) {
		var out bytes.Buffer
		in := strings.NewReader("frobnicate\nversion\nquit\n")

		err := interactive(context.Background(), in, &out)

		require.NoError(t, err)
		assert.Contains(t, out.String(), "unknown command")
		assert.Contains(t, out.String(), "atlas version")
	})
}
