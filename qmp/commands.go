package qmp

import (
	"context"

	"github.com/vmkit/qapi/qapi"
)

// Status represents the VM run state reported by query-status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusShutdown Status = "shutdown"
)

// StatusInfo is the return of query-status.
type StatusInfo struct {
	Running    bool   `json:"running"`
	Status     Status `json:"status"`
	Singlestep bool   `json:"singlestep,omitempty"`
}

type queryStatus struct{}

func (queryStatus) CommandName() string { return "query-status" }

// QueryStatus returns the VM run state.
func (c *Client) QueryStatus(ctx context.Context) (StatusInfo, error) {
	return qapi.Run[StatusInfo](ctx, c, queryStatus{})
}

type queryVersion struct{}

func (queryVersion) CommandName() string { return "query-version" }

// QueryVersion returns the server version. Also handy as a no-op to poll
// the socket for pending events.
func (c *Client) QueryVersion(ctx context.Context) (VersionInfo, error) {
	return qapi.Run[VersionInfo](ctx, c, queryVersion{})
}

type systemPowerdown struct{}

func (systemPowerdown) CommandName() string { return "system_powerdown" }

// SystemPowerdown requests an ACPI shutdown of the guest.
func (c *Client) SystemPowerdown(ctx context.Context) error {
	_, err := c.Execute(ctx, systemPowerdown{})
	return err
}

type systemReset struct{}

func (systemReset) CommandName() string { return "system_reset" }

// SystemReset performs a hard reset of the guest.
func (c *Client) SystemReset(ctx context.Context) error {
	_, err := c.Execute(ctx, systemReset{})
	return err
}

type stop struct{}

func (stop) CommandName() string { return "stop" }

// Stop pauses guest execution.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Execute(ctx, stop{})
	return err
}

type cont struct{}

func (cont) CommandName() string { return "cont" }

// Cont resumes guest execution.
func (c *Client) Cont(ctx context.Context) error {
	_, err := c.Execute(ctx, cont{})
	return err
}

type quit struct{}

func (quit) CommandName() string { return "quit" }

// Quit asks QEMU to exit.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.Execute(ctx, quit{})
	return err
}

type blockdevChangeMedium struct {
	Device   string `json:"device"`
	Filename string `json:"filename"`
}

func (blockdevChangeMedium) CommandName() string { return "blockdev-change-medium" }

// BlockdevChangeMedium inserts a new medium into a removable drive.
func (c *Client) BlockdevChangeMedium(ctx context.Context, device, filename string) error {
	_, err := c.Execute(ctx, blockdevChangeMedium{Device: device, Filename: filename})
	return err
}

type blockdevRemoveMedium struct {
	Device string `json:"device"`
}

func (blockdevRemoveMedium) CommandName() string { return "blockdev-remove-medium" }

// BlockdevRemoveMedium ejects the medium from a removable drive.
func (c *Client) BlockdevRemoveMedium(ctx context.Context, device string) error {
	_, err := c.Execute(ctx, blockdevRemoveMedium{Device: device})
	return err
}

// DeviceAdd hot-plugs a device. device_add takes a free-form property
// dictionary keyed by driver, so id, bus, and props are folded into one
// arguments object; empty id and bus are omitted.
func (c *Client) DeviceAdd(ctx context.Context, driver, id, bus string, props map[string]any) error {
	args := map[string]any{"driver": driver}
	if id != "" {
		args["id"] = id
	}
	if bus != "" {
		args["bus"] = bus
	}
	for k, v := range props {
		args[k] = v
	}
	_, err := c.Execute(ctx, qapi.Raw{Name: "device_add", Args: args})
	return err
}

type deviceDel struct {
	ID string `json:"id"`
}

func (deviceDel) CommandName() string { return "device_del" }

// DeviceDel removes a hot-plugged device by id.
func (c *Client) DeviceDel(ctx context.Context, id string) error {
	_, err := c.Execute(ctx, deviceDel{ID: id})
	return err
}
