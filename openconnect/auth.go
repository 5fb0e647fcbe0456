package openconnect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

// ObtainCookie runs `openconnect --authenticate` and answers its prompts
// through the callbacks until a cookie is printed.
func (e *Engine) ObtainCookie() error {
	if e.stopRequested() {
		return common.ErrCancelled
	}

	e.mu.Lock()
	target := e.url
	e.mu.Unlock()
	if target == "" {
		return fmt.Errorf("%w: server URL not set", common.ErrConfig)
	}

	args := append([]string{"--authenticate"}, e.baseArgs()...)
	if e.debug() {
		args = append(args, "-v")
	}
	args = append(args, target)

	cmd := exec.Command(e.binary, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", common.ErrEngine, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", common.ErrEngine, err)
	}

	common.LogDebug("openconnect: %s %s", e.binary, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start openconnect: %v", common.ErrEngine, err)
	}
	e.setProc(cmd)
	defer e.setProc(nil)

	aborted, convErr := e.converse(newPromptReader(stderr), stdin)
	stdin.Close()
	if aborted {
		cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	switch {
	case e.stopRequested():
		return common.ErrCancelled
	case convErr != nil:
		return convErr
	case waitErr != nil:
		return fmt.Errorf("%w: authentication failed: %v", common.ErrEngine, waitErr)
	}

	res := parseAuthOutput(stdout.Bytes())
	if res.Cookie == "" {
		return fmt.Errorf("%w: openconnect printed no cookie", common.ErrEngine)
	}

	e.mu.Lock()
	e.cookie = res.Cookie
	e.connectURL = res.ConnectURL
	e.resolve = res.Resolve
	if res.Fingerprint != "" {
		e.peerHash = res.Fingerprint
	}
	if res.Host != "" {
		e.info.GatewayAddr = res.Host
	}
	e.mu.Unlock()

	common.LogInfo("openconnect: obtained cookie for %s", e.Hostname())
	return nil
}

func (e *Engine) setProc(cmd *exec.Cmd) {
	e.mu.Lock()
	e.proc = cmd
	e.mu.Unlock()
}

// converse answers prompts until stderr closes. aborted is set when the
// child must be killed rather than left to exit.
func (e *Engine) converse(r *promptReader, stdin io.Writer) (aborted bool, err error) {
	var reason string
	for {
		ev, readErr := r.next()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return false, nil
			}
			return true, fmt.Errorf("%w: read prompts: %v", common.ErrEngine, readErr)
		}

		if ev.kind == eventLine {
			common.LogDebug("openconnect: %s", ev.text)
			if after, ok := strings.CutPrefix(strings.TrimSpace(ev.text), "Reason: "); ok {
				reason = after
			}
			if m := servercertPattern.FindStringSubmatch(ev.text); m != nil {
				e.mu.Lock()
				e.peerHash = m[1]
				e.mu.Unlock()
			}
			continue
		}

		if isCertPrompt(ev.text) {
			if !e.cb.ValidatePeerCertificate(reason) {
				io.WriteString(stdin, "no\n")
				return true, fmt.Errorf("%w: server certificate rejected", common.ErrAuthAborted)
			}
			e.mu.Lock()
			e.serverCert = e.peerHash
			e.mu.Unlock()
			io.WriteString(stdin, "yes\n")
			continue
		}

		form := promptForm(ev.text)
		if e.cb.ProcessAuthForm(form) == vpn.FormCancelled {
			return true, fmt.Errorf("%w: %s left unanswered", common.ErrAuthAborted, form.Message)
		}
		if _, err := io.WriteString(stdin, form.Options[0].Value+"\n"); err != nil {
			return true, fmt.Errorf("%w: answer prompt: %v", common.ErrEngine, err)
		}
	}
}
