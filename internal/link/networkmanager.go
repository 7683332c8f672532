package link

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWait      = 15 * time.Second
	upPollInterval   = 250 * time.Millisecond
	procWireless     = "/proc/net/wireless"
	sysClassNet      = "/sys/class/net"
	nmcliBinary      = "nmcli"
	nmcliMinWaitSecs = 1
)

// NetworkManager drives the link through nmcli and reads link state from
// sysfs and procfs.
type NetworkManager struct {
	iface  string
	logger *slog.Logger

	// Overridden in tests.
	run          func(ctx context.Context, name string, args ...string) ([]byte, error)
	sysNet       string
	wirelessPath string
}

// NewNetworkManager creates a link for the given interface, e.g. "wlan0".
func NewNetworkManager(iface string, logger *slog.Logger) *NetworkManager {
	return &NetworkManager{
		iface:        iface,
		logger:       logger.With("component", "link", "iface", iface),
		run:          runCommand,
		sysNet:       sysClassNet,
		wirelessPath: procWireless,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Connect associates with the access point, or for an empty SSID waits for
// the interface to come up on its own.
func (n *NetworkManager) Connect(ctx context.Context, creds Credentials) error {
	if n.Connected() {
		n.logger.Debug("link already up")
		return nil
	}
	if creds.SSID == "" {
		return n.waitUp(ctx)
	}

	n.logger.Info("connecting", "ssid", creds.SSID)
	args := []string{"--wait", strconv.Itoa(waitSeconds(ctx)), "device", "wifi", "connect", creds.SSID}
	if creds.Passphrase != "" {
		args = append(args, "password", creds.Passphrase)
	}
	args = append(args, "ifname", n.iface)

	out, err := n.run(ctx, nmcliBinary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ErrNetworkTimeout
		}
		return classifyNmcli(out, err)
	}
	if rssi, ok := n.SignalStrength(); ok {
		n.logger.Info("link up", "ssid", creds.SSID, "rssi", rssi)
	} else {
		n.logger.Info("link up", "ssid", creds.SSID)
	}
	return nil
}

func (n *NetworkManager) waitUp(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWait)
		defer cancel()
	}
	ticker := time.NewTicker(upPollInterval)
	defer ticker.Stop()
	for {
		if n.Connected() {
			n.logger.Info("link up")
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ErrNetworkTimeout
		}
	}
}

// classifyNmcli maps nmcli failures onto the link error taxonomy.
func classifyNmcli(out []byte, err error) error {
	msg := strings.ToLower(string(out))
	switch {
	case strings.Contains(msg, "secrets were required"),
		strings.Contains(msg, "no secrets"),
		strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, strings.TrimSpace(string(out)))
	case strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %s", ErrNetworkTimeout, strings.TrimSpace(string(out)))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("network: nmcli exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(out)))
	}
	return fmt.Errorf("network: nmcli: %w", err)
}

func waitSeconds(ctx context.Context) int {
	d, ok := ctx.Deadline()
	if !ok {
		return int(defaultWait / time.Second)
	}
	secs := int(math.Ceil(time.Until(d).Seconds()))
	if secs < nmcliMinWaitSecs {
		secs = nmcliMinWaitSecs
	}
	return secs
}

// Connected reports whether the kernel considers the interface up.
func (n *NetworkManager) Connected() bool {
	data, err := os.ReadFile(filepath.Join(n.sysNet, n.iface, "operstate"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "up"
}

// SignalStrength returns the signal level in dBm from /proc/net/wireless.
// Interfaces without a row there, such as ethernet, report no reading.
func (n *NetworkManager) SignalStrength() (int, bool) {
	if !n.Connected() {
		return 0, false
	}
	data, err := os.ReadFile(n.wirelessPath)
	if err != nil {
		return 0, false
	}
	return parseWirelessLevel(data, n.iface)
}

// parseWirelessLevel extracts the signal level column for iface:
//
//	Inter-| sta-|   Quality        |   Discarded packets
//	 face | tus | link level noise |  nwid  crypt   frag
//	 wlan0: 0000   54.  -56.  -256        0      0      0
func parseWirelessLevel(data []byte, iface string) (int, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name, rest, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok || name != iface {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}
