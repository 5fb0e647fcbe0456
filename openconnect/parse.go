package openconnect

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/yllada/ocvpn/vpn"
)

// mainFormID is the form id given to interactive login prompts.
const mainFormID = "main"

var (
	statsPattern      = regexp.MustCompile(`RX:\s*(\d+) packets \((\d+) B\);\s*TX:\s*(\d+) packets \((\d+) B\)`)
	dtlsCipherPattern = regexp.MustCompile(`DTLS (?:connection|cipher)[^:]*:\s*(?:using\s+)?(\S+)`)
	tunnelPattern     = regexp.MustCompile(`^Connected (\S+) as `)
	selectPattern     = regexp.MustCompile(`^(.*?):?\s*\[(.+)\]$`)
	servercertPattern = regexp.MustCompile(`--servercert\s+(\S+)`)
)

// authResult holds the KEY='value' lines printed by --authenticate.
type authResult struct {
	Cookie      string
	Host        string
	ConnectURL  string
	Fingerprint string
	Resolve     string
}

// parseAuthOutput reads the shell-style assignments openconnect prints
// after a successful --authenticate run.
func parseAuthOutput(out []byte) authResult {
	var res authResult
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = unquoteShell(value)
		switch key {
		case "COOKIE":
			res.Cookie = value
		case "HOST":
			res.Host = value
		case "CONNECT_URL":
			res.ConnectURL = value
		case "FINGERPRINT":
			res.Fingerprint = value
		case "RESOLVE":
			res.Resolve = value
		}
	}
	return res
}

// unquoteShell undoes single-quote shell quoting, where an embedded quote
// is written as '\''.
func unquoteShell(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, `'\''`, `'`)
}

// applyCSTPHeader records one X-CSTP-* header line into info. It reports
// whether the line was a header.
func applyCSTPHeader(info *vpn.IPInfo, line string) bool {
	name, value, ok := strings.Cut(line, ":")
	if !ok || !strings.HasPrefix(name, "X-CSTP-") {
		return false
	}
	value = strings.TrimSpace(value)

	switch strings.TrimPrefix(name, "X-CSTP-") {
	case "Address":
		info.Addr = value
	case "Netmask":
		info.Netmask = value
	case "Address-IP6":
		// Netmask6 keeps the prefix form, addr/len.
		addr, _, found := strings.Cut(value, "/")
		info.Addr6 = addr
		if found {
			info.Netmask6 = value
		}
	case "Netmask-IP6":
		info.Netmask6 = value
	case "DNS", "DNS-IP6":
		info.AddDNS(value)
	case "NBNS":
		info.AddNBNS(value)
	case "Default-Domain":
		info.Domain = value
	case "MSIE-Proxy-PAC-URL":
		info.ProxyPAC = value
	case "MTU":
		if mtu, err := strconv.Atoi(value); err == nil {
			info.MTU = mtu
		}
	}
	return true
}

// parseStats extracts traffic counters from the line openconnect prints
// on SIGUSR1.
func parseStats(line string) (vpn.Stats, bool) {
	m := statsPattern.FindStringSubmatch(line)
	if m == nil {
		return vpn.Stats{}, false
	}
	n := make([]uint64, 4)
	for i := range n {
		n[i], _ = strconv.ParseUint(m[i+1], 10, 64)
	}
	return vpn.Stats{RxPackets: n[0], RxBytes: n[1], TxPackets: n[2], TxBytes: n[3]}, true
}

// parseDTLSCipher extracts the DTLS cipher name, if the line carries one.
func parseDTLSCipher(line string) (string, bool) {
	m := dtlsCipherPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimRight(m[1], ","), true
}

// isCSTPConnected reports whether line announces the CSTP channel.
func isCSTPConnected(line string) bool {
	return strings.Contains(line, "CSTP connected") || strings.HasPrefix(line, "Connected as ")
}

// isTunnelConfigured reports whether line announces a configured tunnel
// device.
func isTunnelConfigured(line string) bool {
	return strings.HasPrefix(line, "Configured as ") || tunnelPattern.MatchString(line)
}

// promptForm turns an interactive prompt into a single-field form.
func promptForm(prompt string) *vpn.AuthForm {
	label := strings.TrimSpace(prompt)
	label = strings.TrimSpace(strings.TrimSuffix(label, ":"))

	opt := &vpn.FormOption{Label: label, Type: vpn.FieldText}
	lower := strings.ToLower(label)

	switch {
	case selectPattern.MatchString(label):
		m := selectPattern.FindStringSubmatch(label)
		opt.Label = strings.TrimSpace(m[1])
		opt.Type = vpn.FieldSelect
		opt.Name = "group_list"
		for _, choice := range strings.Split(m[2], "|") {
			if choice = strings.TrimSpace(choice); choice != "" {
				opt.Choices = append(opt.Choices, choice)
			}
		}
	case lower == "user" || lower == "login" || strings.Contains(lower, "username"):
		opt.Name = "username"
	case strings.Contains(lower, "password"):
		opt.Type = vpn.FieldPassword
		opt.Name = "password"
	default:
		opt.Name = fieldName(lower)
	}

	return &vpn.AuthForm{ID: mainFormID, Message: label, Options: []*vpn.FormOption{opt}}
}

func fieldName(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// isCertPrompt reports whether prompt asks to accept a server certificate.
func isCertPrompt(prompt string) bool {
	return strings.Contains(prompt, "Enter 'yes' to accept")
}

// isPrompt reports whether a partial line is waiting for input.
func isPrompt(partial string) bool {
	trimmed := strings.TrimRight(partial, " ")
	return strings.HasSuffix(trimmed, ":") || isCertPrompt(partial)
}

// promptReader splits interactive output into complete lines and prompts.
// A prompt is a trailing partial line that ends in a colon once all
// available bytes have been read.
type promptReader struct {
	r       io.Reader
	buf     []byte
	pending []event
	err     error
}

type eventKind int

const (
	eventLine eventKind = iota
	eventPrompt
)

type event struct {
	kind eventKind
	text string
}

func newPromptReader(r io.Reader) *promptReader {
	return &promptReader{r: r}
}

// next returns the next line or prompt. It returns the read error once
// the stream is exhausted.
func (p *promptReader) next() (event, error) {
	for len(p.pending) == 0 {
		if p.err != nil {
			if len(p.buf) > 0 {
				ev := event{kind: eventLine, text: string(p.buf)}
				p.buf = nil
				return ev, nil
			}
			return event{}, p.err
		}

		chunk := make([]byte, 4096)
		n, err := p.r.Read(chunk)
		p.buf = append(p.buf, chunk[:n]...)
		p.err = err

		for {
			i := bytes.IndexByte(p.buf, '\n')
			if i < 0 {
				break
			}
			p.pending = append(p.pending, event{kind: eventLine, text: strings.TrimRight(string(p.buf[:i]), "\r")})
			p.buf = p.buf[i+1:]
		}
		if len(p.buf) > 0 && isPrompt(string(p.buf)) {
			p.pending = append(p.pending, event{kind: eventPrompt, text: string(p.buf)})
			p.buf = nil
		}
	}

	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}
