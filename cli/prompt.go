package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yllada/ocvpn/common"
)

// readLine prints label and reads one line from the CLI input.
func (c *CLI) readLine(label string) (string, error) {
	fmt.Fprint(c.out, label)
	if c.reader == nil {
		c.reader = bufio.NewReader(c.in)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("%w: reading %s: %v", common.ErrConfig, strings.TrimSpace(label), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret reads a value without echo when stdin is a terminal and
// falls back to a plain line otherwise.
func (c *CLI) readSecret(label string) (string, error) {
	f, ok := c.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return c.readLine(label)
	}

	fmt.Fprint(c.out, label)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(c.out)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", common.ErrConfig, strings.TrimSpace(label), err)
	}
	return string(secret), nil
}

// valueOrPrompt returns value, asking for it when empty.
func (c *CLI) valueOrPrompt(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	v, err := c.readLine(label)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", common.ErrConfig, strings.TrimSuffix(strings.TrimSpace(label), ":"))
	}
	return v, nil
}
