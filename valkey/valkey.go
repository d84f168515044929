// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package valkey: runs a throwaway valkey-server for integration tests.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/awinterman/respwire/protocol"
)

const binary = "valkey-server"

type Valkey struct {
	Port int

	cmd atomic.Pointer[exec.Cmd]
}

// Available reports whether valkey-server is on the PATH.
func Available() bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// FreePort asks the kernel for a port nobody is listening on.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func (v *Valkey) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(v.Port))
}

// Start launches the server and waits until it answers PING.
func (v *Valkey) Start(ctx context.Context) error {
	cmd := exec.CommandContext(
		ctx,
		binary,
		"--save", "",
		"--appendonly", "no",
		"--bind", "127.0.0.1",
		"--port", strconv.Itoa(v.Port),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	v.cmd.Store(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return v.wait(ctx)
}

func (v *Valkey) wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var last error
	for ctx.Err() == nil {
		last = v.ping(ctx)
		if last == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("valkey on %s never became ready: %w", v.Addr(), errors.Join(ctx.Err(), last))
}

func (v *Valkey) ping(ctx context.Context) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", v.Addr())
	if err != nil {
		return err
	}
	conn := protocol.NewConnection(c)
	defer conn.Close()

	resp, err := conn.RoundTrip(ctx, protocol.Command("PING"))
	if err != nil {
		return err
	}
	if !resp.Equal(protocol.Status("PONG")) {
		return fmt.Errorf("unexpected reply to PING: %v", resp)
	}
	return nil
}

// Stop valkey
func (v *Valkey) Stop() error {
	cmd := v.cmd.Load()
	if cmd == nil {
		return nil
	}
	err := cmd.Cancel()
	if err != nil {
		return err
	}
	_ = cmd.Wait()
	v.cmd.Store(nil)
	return nil
}
