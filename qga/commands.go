package qga

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/vmkit/qapi/qapi"
)

type guestPing struct{}

func (guestPing) CommandName() string { return "guest-ping" }

// Ping checks agent liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, guestPing{})
	return err
}

// CommandInfo describes one command the agent supports.
type CommandInfo struct {
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	SuccessResponse bool   `json:"success-response"`
}

// AgentInfo is the return of guest-info.
type AgentInfo struct {
	Version           string        `json:"version"`
	SupportedCommands []CommandInfo `json:"supported_commands"`
}

type guestInfo struct{}

func (guestInfo) CommandName() string { return "guest-info" }

// Info returns the agent version and its supported command set.
func (c *Client) Info(ctx context.Context) (AgentInfo, error) {
	return qapi.Run[AgentInfo](ctx, c, guestInfo{})
}

// ShutdownMode selects how guest-shutdown brings the guest down.
type ShutdownMode string

const (
	ShutdownPowerdown ShutdownMode = "powerdown"
	ShutdownReboot    ShutdownMode = "reboot"
	ShutdownHalt      ShutdownMode = "halt"
)

type guestShutdown struct {
	Mode ShutdownMode `json:"mode,omitempty"`
}

func (guestShutdown) CommandName() string { return "guest-shutdown" }

// Shutdown asks the guest to shut down. The schema defines no success
// response for this command, so it is fire-and-forget: no waiter is
// registered and no reply is expected.
func (c *Client) Shutdown(mode ShutdownMode) error {
	return c.conn.Send(guestShutdown{Mode: mode})
}

type guestExec struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg,omitempty"`
	CaptureOutput bool     `json:"capture-output,omitempty"`
}

func (guestExec) CommandName() string { return "guest-exec" }

// ExecResult is the return of guest-exec.
type ExecResult struct {
	PID int64 `json:"pid"`
}

// Exec starts a process in the guest and returns its pid.
func (c *Client) Exec(ctx context.Context, path string, args []string, captureOutput bool) (ExecResult, error) {
	return qapi.Run[ExecResult](ctx, c, guestExec{Path: path, Arg: args, CaptureOutput: captureOutput})
}

type guestExecStatus struct {
	PID int64 `json:"pid"`
}

func (guestExecStatus) CommandName() string { return "guest-exec-status" }

// ExecStatus is the return of guest-exec-status. OutData and ErrData are
// base64 on the wire; use DecodeOut and DecodeErr.
type ExecStatus struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode,omitempty"`
	Signal   int    `json:"signal,omitempty"`
	OutData  string `json:"out-data,omitempty"`
	ErrData  string `json:"err-data,omitempty"`
}

// DecodeOut returns the captured stdout.
func (s ExecStatus) DecodeOut() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.OutData)
}

// DecodeErr returns the captured stderr.
func (s ExecStatus) DecodeErr() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.ErrData)
}

// ExecStatus polls a process started with Exec.
func (c *Client) ExecStatus(ctx context.Context, pid int64) (ExecStatus, error) {
	return qapi.Run[ExecStatus](ctx, c, guestExecStatus{PID: pid})
}

type guestFileOpen struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

func (guestFileOpen) CommandName() string { return "guest-file-open" }

// FileOpen opens a file in the guest and returns its handle.
func (c *Client) FileOpen(ctx context.Context, path, mode string) (int64, error) {
	return qapi.Run[int64](ctx, c, guestFileOpen{Path: path, Mode: mode})
}

type guestFileRead struct {
	Handle int64 `json:"handle"`
	Count  int   `json:"count,omitempty"`
}

func (guestFileRead) CommandName() string { return "guest-file-read" }

type fileReadResult struct {
	Count  int    `json:"count"`
	BufB64 string `json:"buf-b64"`
	EOF    bool   `json:"eof"`
}

// FileRead reads up to count bytes from an open guest file handle. It
// returns the decoded bytes and whether the guest reached end of file.
func (c *Client) FileRead(ctx context.Context, handle int64, count int) ([]byte, bool, error) {
	res, err := qapi.Run[fileReadResult](ctx, c, guestFileRead{Handle: handle, Count: count})
	if err != nil {
		return nil, false, err
	}
	buf, err := base64.StdEncoding.DecodeString(res.BufB64)
	if err != nil {
		return nil, false, fmt.Errorf("decoding guest-file-read payload: %w", err)
	}
	return buf, res.EOF, nil
}

type guestFileClose struct {
	Handle int64 `json:"handle"`
}

func (guestFileClose) CommandName() string { return "guest-file-close" }

// FileClose closes an open guest file handle.
func (c *Client) FileClose(ctx context.Context, handle int64) error {
	_, err := c.Execute(ctx, guestFileClose{Handle: handle})
	return err
}
