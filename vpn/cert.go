package vpn

import (
	"slices"

	"github.com/yllada/ocvpn/common"
)

// CertificateInfo describes a server certificate that failed verification.
type CertificateInfo struct {
	Fingerprint string
	Host        string
	Port        int
	Reason      string
}

// CertPrompt asks whether to accept an untrusted certificate.
type CertPrompt func(CertificateInfo) bool

type acceptedCert struct {
	fingerprint string
	host        string
	port        int
}

// acceptCertificate decides on an untrusted certificate: the session cache
// first, then the entrypoint's insecure flag, then the prompt. Accepted
// certificates are cached for the rest of the session.
func (s *Session) acceptCertificate(info CertificateInfo) bool {
	key := acceptedCert{fingerprint: info.Fingerprint, host: info.Host, port: info.Port}

	s.mu.RLock()
	cached := slices.Contains(s.accepted, key)
	insecure := s.entrypoint != nil && s.entrypoint.AcceptInsecureCert
	prompt := s.certPrompt
	s.mu.RUnlock()

	if cached {
		common.LogDebug("Certificate %s for %s:%d already accepted", info.Fingerprint, info.Host, info.Port)
		return true
	}

	accept := insecure
	if !accept && prompt != nil {
		accept = prompt(info)
	}
	if !accept {
		common.LogWarn("Rejected certificate %s for %s:%d: %s", info.Fingerprint, info.Host, info.Port, info.Reason)
		return false
	}

	common.LogWarn("Accepting untrusted certificate %s for %s:%d: %s", info.Fingerprint, info.Host, info.Port, info.Reason)
	s.mu.Lock()
	if !slices.Contains(s.accepted, key) {
		s.accepted = append(s.accepted, key)
	}
	s.mu.Unlock()
	return true
}

// AcceptedCertificates lists the certificates accepted in this session.
func (s *Session) AcceptedCertificates() []CertificateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CertificateInfo, 0, len(s.accepted))
	for _, c := range s.accepted {
		out = append(out, CertificateInfo{Fingerprint: c.fingerprint, Host: c.host, Port: c.port})
	}
	return out
}
