package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/oauth2"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/oidc"
)

// loginFunc is oidc.Provider.DeviceLogin.
type loginFunc func(ctx context.Context, prompt oidc.DevicePrompt) (*oidc.Token, error)

type devicePromptMsg struct {
	auth *oauth2.DeviceAuthResponse
}

type loginDoneMsg struct {
	tok *oidc.Token
	err error
}

var codeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("14")).
	Border(lipgloss.RoundedBorder()).
	Padding(0, 2)

// deviceModel is the wait screen shown while the user signs in on another
// device.
type deviceModel struct {
	profile string
	spinner spinner.Model
	cancel  context.CancelFunc

	auth *oauth2.DeviceAuthResponse
	qr   string

	tok  *oidc.Token
	err  error
	done bool
}

func newDeviceModel(profile string, cancel context.CancelFunc) deviceModel {
	return deviceModel{
		profile: profile,
		cancel:  cancel,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(warnStyle),
		),
	}
}

func (m deviceModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m deviceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case devicePromptMsg:
		m.auth = msg.auth
		m.qr = renderQR(verificationURL(msg.auth))
		return m, nil

	case loginDoneMsg:
		m.tok, m.err, m.done = msg.tok, msg.err, true
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.err = fmt.Errorf("%w: sign-in cancelled", common.ErrAuthAborted)
			m.done = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m deviceModel) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString(labelStyle.Render("Sign in to "+m.profile) + "\n\n")
	if m.auth == nil {
		b.WriteString(m.spinner.View() + " Contacting the identity provider...\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Open %s and enter this code:\n\n", m.auth.VerificationURI)
	b.WriteString(codeStyle.Render(m.auth.UserCode) + "\n\n")
	if m.qr != "" {
		b.WriteString(dimStyle.Render("or scan:") + "\n" + m.qr + "\n")
	}
	b.WriteString(m.spinner.View() + " Waiting for sign-in " + dimStyle.Render("(q to cancel)") + "\n")
	return b.String()
}

func verificationURL(auth *oauth2.DeviceAuthResponse) string {
	if auth.VerificationURIComplete != "" {
		return auth.VerificationURIComplete
	}
	return auth.VerificationURI
}

// renderQR draws uri as terminal blocks, or returns "" if it cannot.
func renderQR(uri string) string {
	if uri == "" {
		return ""
	}
	q, err := qrcode.New(uri, qrcode.Low)
	if err != nil {
		common.LogDebug("QR code for %s: %v", uri, err)
		return ""
	}
	return q.ToSmallString(false)
}

// runDeviceScreen runs login behind the wait screen and returns its token.
func runDeviceScreen(ctx context.Context, in io.Reader, out io.Writer, profile string, login loginFunc) (*oidc.Token, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newDeviceModel(profile, cancel), tea.WithInput(in), tea.WithOutput(out))
	go func() {
		tok, err := login(ctx, func(auth *oauth2.DeviceAuthResponse) {
			p.Send(devicePromptMsg{auth: auth})
		})
		p.Send(loginDoneMsg{tok: tok, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("sign-in screen: %w", err)
	}
	m := final.(deviceModel)
	if m.err != nil {
		return nil, m.err
	}
	if m.tok == nil {
		return nil, fmt.Errorf("%w: sign-in did not complete", common.ErrAuthAborted)
	}
	return m.tok, nil
}
