package main

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/tilenet/tcpclient"
	"github.com/cyberinferno/tilenet/telnet"
	"github.com/spf13/cobra"
)

var arrows = map[rune][]byte{
	'u': []byte("\x1b[A"),
	'd': []byte("\x1b[B"),
	'r': []byte("\x1b[C"),
	'l': []byte("\x1b[D"),
}

type probeStats struct {
	mu     sync.Mutex
	raw    bytes.Buffer
	chunks int
}

func (s *probeStats) add(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.raw.Write(p)
}

func probeCmd() *cobra.Command {
	var (
		moves   string
		settle  time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe [address]",
		Short: "Connect to a server, walk around and report what came back",
		Long: `Connect to a tilenet server, send cursor keys, quit and report the
bytes received.

Moves are u, d, l and r.

Examples:
  tilenet probe
  tilenet probe localhost:2323 --moves=rrrddd`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "localhost:23"
			if len(args) == 1 {
				addr = args[0]
			}
			return runProbe(cmd, addr, moves, settle, timeout)
		},
	}

	cmd.Flags().StringVarP(&moves, "moves", "m", "rdlu", "Cursor moves to send")
	cmd.Flags().DurationVar(&settle, "settle", 200*time.Millisecond, "Pause between moves")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the server to hang up")

	return cmd
}

func runProbe(cmd *cobra.Command, addr, moves string, settle, timeout time.Duration) error {
	stats := &probeStats{}

	hungUp := make(chan error, 1)
	client := tcpclient.New(tcpclient.DefaultConfig(addr))
	client.OnData(func(e tcpclient.DataEvent) { stats.add(e.Data) })
	client.OnState(func(e tcpclient.StateEvent) {
		if e.State == tcpclient.Disconnected {
			hungUp <- e.Error
		}
	})

	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	for _, m := range moves {
		seq, ok := arrows[m]
		if !ok {
			return fmt.Errorf("unknown move %q", m)
		}
		time.Sleep(settle)
		if err := client.Send(seq); err != nil {
			return err
		}
	}

	time.Sleep(settle)
	if err := client.Send([]byte("q")); err != nil {
		return err
	}

	select {
	case err := <-hungUp:
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
	case <-time.After(timeout):
		return fmt.Errorf("server did not hang up within %s", timeout)
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	data := stats.raw.Bytes()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "address:        %s\n", addr)
	fmt.Fprintf(out, "bytes received: %d in %d chunks\n", len(data), stats.chunks)
	fmt.Fprintf(out, "setup sent:     %t\n", bytes.HasPrefix(data, telnet.Setup()))
	fmt.Fprintf(out, "reset sent:     %t\n", bytes.HasSuffix(data, telnet.Teardown()))
	return nil
}
