package openconnect

import (
	"slices"
	"strings"
)

// Protocol describes a VPN protocol supported by openconnect.
type Protocol struct {
	Name        string
	PrettyName  string
	Description string
}

// Protocols lists the protocols openconnect can speak.
var Protocols = []Protocol{
	{Name: "anyconnect", PrettyName: "Cisco AnyConnect or OpenConnect", Description: "Compatible with Cisco AnyConnect SSL VPN, as well as ocserv"},
	{Name: "nc", PrettyName: "Juniper Network Connect", Description: "Compatible with Juniper Network Connect"},
	{Name: "gp", PrettyName: "Palo Alto Networks GlobalProtect", Description: "Compatible with Palo Alto Networks (PAN) GlobalProtect SSL VPN"},
	{Name: "pulse", PrettyName: "Pulse Connect Secure", Description: "Compatible with Pulse Connect Secure SSL VPN"},
	{Name: "f5", PrettyName: "F5 BIG-IP SSL VPN", Description: "Compatible with F5 BIG-IP SSL VPN"},
	{Name: "fortinet", PrettyName: "Fortinet SSL VPN", Description: "Compatible with FortiGate SSL VPN"},
	{Name: "array", PrettyName: "Array SSL VPN", Description: "Compatible with Array Networks SSL VPN"},
}

// LookupProtocol finds a protocol by name, ignoring case.
func LookupProtocol(name string) (Protocol, bool) {
	i := slices.IndexFunc(Protocols, func(p Protocol) bool {
		return strings.EqualFold(p.Name, name)
	})
	if i < 0 {
		return Protocol{}, false
	}
	return Protocols[i], true
}
