package qapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Command is a named operation the server understands. The value itself
// marshals to the command's wire arguments, so a command without arguments
// is an empty struct. The engine treats commands opaquely beyond this.
type Command interface {
	CommandName() string
}

// Raw is an escape hatch for commands that have no typed wrapper. A nil
// Args sends the command without an arguments object.
type Raw struct {
	Name string
	Args any
}

func (r Raw) CommandName() string { return r.Name }

func (r Raw) MarshalJSON() ([]byte, error) {
	if r.Args == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Args)
}

var emptyArgs = [][]byte{[]byte("{}"), []byte("null")}

// encodeEnvelope produces one wire frame for cmd, newline-terminated. The
// arguments key is dropped when the command marshals to an empty payload,
// which makes omission schema-driven: no-argument command types are empty
// structs and always marshal empty.
func encodeEnvelope(cmd Command, id uint64) ([]byte, error) {
	args, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s arguments: %w", cmd.CommandName(), err)
	}
	env := envelope{Execute: cmd.CommandName(), ID: id}
	empty := false
	for _, e := range emptyArgs {
		if bytes.Equal(args, e) {
			empty = true
		}
	}
	if !empty {
		env.Arguments = args
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", cmd.CommandName(), err)
	}
	return append(frame, '\n'), nil
}

// Executor is the command entry point shared by the QMP and QGA clients.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (json.RawMessage, error)
}

// Run executes cmd and decodes its return value as R. QAPI returns are not
// self-describing, so the expected type comes from the call site: each
// typed command wrapper names its own return shape here. A payload that
// does not decode as R fails that single call with a TypeMismatch; the
// connection stays usable.
func Run[R any](ctx context.Context, e Executor, cmd Command) (R, error) {
	var out R
	raw, err := e.Execute(ctx, cmd)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ProtocolError{
			Kind: TypeMismatch,
			Desc: fmt.Sprintf("decoding %s return: %v", cmd.CommandName(), err),
		}
	}
	return out, nil
}
