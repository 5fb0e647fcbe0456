// Package ipc defines the control protocol between the ocvpn command line
// and the session host: framed JSON requests and responses over a local
// domain socket.
package ipc

import (
	"github.com/yllada/ocvpn/vpn"
)

// Command names a request.
type Command string

const (
	CmdStart Command = "start"
	CmdStop  Command = "stop"
	CmdInfo  Command = "info"
)

// Request is one client request. Only Start uses the optional fields.
type Request struct {
	Command       Command `json:"command"`
	Name          string  `json:"name,omitempty"`
	Server        string  `json:"server,omitempty"`
	AllowInsecure bool    `json:"allow_insecure,omitempty"`
	Cookie        string  `json:"cookie,omitempty"`
}

// StartRequest builds a Start request.
func StartRequest(name, server string, allowInsecure bool, cookie string) Request {
	return Request{
		Command:       CmdStart,
		Name:          name,
		Server:        server,
		AllowInsecure: allowInsecure,
		Cookie:        cookie,
	}
}

// StartResult answers Start.
type StartResult struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	ErrMessage string `json:"err_message,omitempty"`
}

// StopResult answers Stop. Name is empty when no session existed.
type StopResult struct {
	Name string `json:"name"`
}

// InfoResult is a snapshot of the current session.
type InfoResult struct {
	ServerName string      `json:"server_name"`
	ServerURL  string      `json:"server_url"`
	Hostname   string      `json:"hostname"`
	Status     string      `json:"status"`
	Info       *vpn.IPInfo `json:"info,omitempty"`
}

// Response carries exactly one result, selected by Kind.
type Response struct {
	Kind  Command      `json:"kind"`
	Start *StartResult `json:"start,omitempty"`
	Stop  *StopResult  `json:"stop,omitempty"`
	Info  *InfoResult  `json:"info,omitempty"`
}

// NewStartResponse wraps r.
func NewStartResponse(r StartResult) Response { return Response{Kind: CmdStart, Start: &r} }

// NewStopResponse wraps r.
func NewStopResponse(r StopResult) Response { return Response{Kind: CmdStop, Stop: &r} }

// NewInfoResponse wraps r.
func NewInfoResponse(r InfoResult) Response { return Response{Kind: CmdInfo, Info: &r} }
