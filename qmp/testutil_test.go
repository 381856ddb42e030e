package qmp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
)

// mockMonitor simulates a QMP server over a UNIX socket.
type mockMonitor struct {
	listener net.Listener
	t        *testing.T

	mu           sync.Mutex
	capabilities []string
	status       Status
	badGreeting  bool
	eventBefore  string // event name injected before every response
	lastCommand  string
	conns        []net.Conn
}

type mockCommand struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments"`
	ID        uint64          `json:"id"`
}

func newMockMonitor(t *testing.T, socketPath string) *mockMonitor {
	t.Helper()
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to create mock QMP server: %v", err)
	}

	m := &mockMonitor{
		listener: listener,
		t:        t,
		status:   StatusRunning,
	}
	go m.serve()
	return m
}

func (m *mockMonitor) serve() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		go m.handleConnection(conn)
	}
}

func (m *mockMonitor) handleConnection(conn net.Conn) {
	defer conn.Close()

	m.mu.Lock()
	bad := m.badGreeting
	caps, _ := json.Marshal(m.capabilities)
	m.mu.Unlock()

	if bad {
		fmt.Fprintf(conn, `{"return":{}}`+"\n")
	} else {
		fmt.Fprintf(conn, `{"QMP":{"version":{"qemu":{"major":4,"minor":0,"micro":0},"package":""},"capabilities":%s}}`+"\n", caps)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd mockCommand
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}

		m.mu.Lock()
		m.lastCommand = cmd.Execute
		eventBefore := m.eventBefore
		status := m.status
		m.mu.Unlock()

		if eventBefore != "" && cmd.Execute != "qmp_capabilities" {
			fmt.Fprintf(conn, `{"event":%q,"data":{},"timestamp":{"seconds":1,"microseconds":0}}`+"\n", eventBefore)
		}

		switch cmd.Execute {
		case "qmp_capabilities", "system_powerdown", "system_reset", "stop", "cont", "quit",
			"blockdev-change-medium", "blockdev-remove-medium", "device_del":
			fmt.Fprintf(conn, `{"return":{},"id":%d}`+"\n", cmd.ID)
		case "query-status":
			running := status == StatusRunning
			fmt.Fprintf(conn, `{"return":{"running":%t,"status":%q},"id":%d}`+"\n", running, status, cmd.ID)
		case "query-version":
			fmt.Fprintf(conn, `{"return":{"qemu":{"major":4,"minor":0,"micro":0},"package":"mock"},"id":%d}`+"\n", cmd.ID)
		case "test-echo":
			fmt.Fprintf(conn, `{"return":{"echo":%s},"id":%d}`+"\n", cmd.Arguments, cmd.ID)
		default:
			fmt.Fprintf(conn, `{"error":{"class":"CommandNotFound","desc":"The command %s has not been found"},"id":%d}`+"\n", cmd.Execute, cmd.ID)
		}
	}
}

func (m *mockMonitor) SetStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *mockMonitor) SetCapabilities(caps ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = caps
}

func (m *mockMonitor) SendBadGreeting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badGreeting = true
}

// EmitEventBeforeResponses makes every subsequent command response be
// preceded by the named event, to exercise interleaving.
func (m *mockMonitor) EmitEventBeforeResponses(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventBefore = name
}

// EmitEvent pushes an unsolicited event to every connected client.
func (m *mockMonitor) EmitEvent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		fmt.Fprintf(conn, `{"event":%q,"data":{"mock":true},"timestamp":{"seconds":2,"microseconds":3}}`+"\n", name)
	}
}

func (m *mockMonitor) LastCommand() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommand
}

// DropClients severs every established connection.
func (m *mockMonitor) DropClients() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

func (m *mockMonitor) Close() {
	m.listener.Close()
	m.DropClients()
}
