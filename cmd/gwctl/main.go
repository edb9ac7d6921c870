// Command gwctl is the command-line companion to gwd, speaking the control
// socket's line-oriented protocol to report status or force session and
// daemon lifecycle changes.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:           "gwctl",
		Short:         "control client for the gwd captive-portal gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&socketPath, "socket", "c", "/var/run/gwd.sock", "control socket path")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "show daemon uptime, session counts, and per-client detail",
			RunE:  cmdStatus,
		},
		&cobra.Command{
			Use:   "stop",
			Short: "shut the daemon down cleanly",
			RunE:  cmdStop,
		},
		&cobra.Command{
			Use:   "kill <ip>",
			Short: "force eviction of the named client",
			Args:  cobra.ExactArgs(1),
			RunE:  cmdKill,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gwctl:", err)
		os.Exit(1)
	}
}

func sendCommand(cmd string) ([]string, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func cmdStop(cmd *cobra.Command, args []string) error {
	lines, err := sendCommand("stop")
	if err != nil {
		return err
	}
	printLines(lines)
	return nil
}

func cmdKill(cmd *cobra.Command, args []string) error {
	lines, err := sendCommand("kill " + args[0])
	if err != nil {
		return err
	}
	printLines(lines)
	if len(lines) > 0 && lines[0] != "OK" {
		os.Exit(1)
	}
	return nil
}

func cmdStatus(cmd *cobra.Command, args []string) error {
	lines, err := sendCommand("status")
	if err != nil {
		return err
	}
	for _, line := range lines {
		printLine(colorizeState(line))
	}
	return nil
}

// colorizeState tints a status line's firewall-mark token by state: green
// KNOWN, yellow PROBATION, red LOCKED.
func colorizeState(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		switch f {
		case "KNOWN":
			fields[i] = color.GreenString(f)
		case "PROBATION":
			fields[i] = color.YellowString(f)
		case "LOCKED":
			fields[i] = color.RedString(f)
		}
	}
	return strings.Join(fields, " ")
}

func printLine(line string) {
	termWidth, _, err := terminal.GetSize(0)
	if err != nil || termWidth <= 0 {
		fmt.Println(line)
		return
	}
	if len(line) > termWidth {
		line = line[:termWidth]
	}
	fmt.Println(line)
}

func printLines(lines []string) {
	for _, l := range lines {
		printLine(l)
	}
}
