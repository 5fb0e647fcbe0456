package keyring

import (
	"fmt"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/ocvpn/common"
)

// fallbackMachineID keeps the store usable on hosts that expose no
// machine identity at all.
const fallbackMachineID = "ocvpn-default-machine-id"

var machineIDFiles = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// MachineID returns a stable identifier for this host. It reads the
// systemd/dbus machine-id files and falls back to asking the system bus.
func MachineID() string {
	for _, path := range machineIDFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if id, err := busMachineID(); err == nil && id != "" {
		return id
	}

	common.LogWarn("No machine id available, using built-in key material")
	return fallbackMachineID
}

func busMachineID() (string, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var id string
	err = conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus").
		Call("org.freedesktop.DBus.Peer.GetMachineId", 0).
		Store(&id)
	return strings.TrimSpace(id), err
}

// Secret returns the key material for the given source: the machine id,
// or the passphrase from the environment.
func Secret(source string) ([]byte, error) {
	switch source {
	case "", "machine":
		return []byte(MachineID()), nil
	case "passphrase":
		pass := os.Getenv(common.PassphraseEnv)
		if pass == "" {
			return nil, fmt.Errorf("%w: %s is not set", common.ErrConfig, common.PassphraseEnv)
		}
		return []byte(pass), nil
	default:
		return nil, fmt.Errorf("%w: unknown key source %q", common.ErrConfig, source)
	}
}

// CipherFor builds the store cipher for source.
func CipherFor(source string) (*Cipher, error) {
	secret, err := Secret(source)
	if err != nil {
		return nil, err
	}
	return NewCipher(secret)
}
