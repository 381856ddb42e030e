package qmp

import "encoding/json"

// Capability is a QMP capability advertised in the greeting or requested
// during negotiation. The set is open; unknown entries are preserved.
type Capability string

// CapOOB is out-of-band command execution.
const CapOOB Capability = "oob"

// UnmarshalJSON never fails: capabilities are normally strings, but the
// protocol allows richer forms, which are kept as their raw encoding.
func (c *Capability) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*c = Capability(string(b))
		return nil
	}
	*c = Capability(s)
	return nil
}

// VersionTriple is a major.minor.micro QEMU version.
type VersionTriple struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

// VersionInfo describes the server version. It is also the return shape of
// query-version.
type VersionInfo struct {
	QEMU    VersionTriple `json:"qemu"`
	Package string        `json:"package"`
}

// Greeting is the banner the monitor sends once, before any command may be
// issued.
type Greeting struct {
	Version      VersionInfo  `json:"version"`
	Capabilities []Capability `json:"capabilities"`
}

// SupportsOOB reports whether the server advertises out-of-band execution.
func (g Greeting) SupportsOOB() bool {
	for _, c := range g.Capabilities {
		if c == CapOOB {
			return true
		}
	}
	return false
}

// greetingFrame is the wire wrapper around the greeting.
type greetingFrame struct {
	QMP *Greeting `json:"QMP"`
}
