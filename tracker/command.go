package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type CommandKind string

const (
	CommandInit     CommandKind = "init"
	CommandConfig   CommandKind = "config"
	CommandTrack    CommandKind = "track"
	CommandIdentify CommandKind = "identify"
)

var ErrEmptyCommand = errors.New("empty command")

// Command is one call on the public surface. Event is set for track; Properties holds the
// track properties or identify traits; Options holds init/config options.
type Command struct {
	Kind       CommandKind
	Event      string
	Properties map[string]any
	Options    map[string]any
}

// ParseCommand converts an array-style call such as ["track", "signup", {"plan": "pro"}].
// Unknown command names parse successfully and are rejected at dispatch.
func ParseCommand(args []any) (Command, error) {
	if len(args) == 0 {
		return Command{}, ErrEmptyCommand
	}
	name, ok := args[0].(string)
	if !ok {
		return Command{}, fmt.Errorf("command name must be a string, got %T", args[0])
	}

	cmd := Command{Kind: CommandKind(name)}
	arg := func(i int) any {
		if i < len(args) {
			return args[i]
		}
		return nil
	}

	switch cmd.Kind {
	case CommandTrack:
		event, ok := arg(1).(string)
		if !ok {
			return Command{}, fmt.Errorf("track: event name must be a string, got %T", arg(1))
		}
		cmd.Event = event
		cmd.Properties = asMap(arg(2))
	case CommandIdentify:
		cmd.Properties = asMap(arg(1))
	case CommandInit, CommandConfig:
		cmd.Options = asMap(arg(1))
	}
	return cmd, nil
}

// DecodeQueue decodes the array-of-arrays of calls recorded before the tracker loaded. Entries
// that cannot be parsed are skipped and reported in the returned error; the rest keep their
// order.
func DecodeQueue(data []byte) ([]Command, error) {
	var raw [][]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode command queue: %w", err)
	}

	cmds := make([]Command, 0, len(raw))
	var errs []error
	for i, args := range raw {
		cmd, err := ParseCommand(args)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errors.Join(errs...)
}

// Dispatcher is the tracker's public entry point. It never panics into the caller.
type Dispatcher struct {
	client *Client
	logger *zap.Logger
}

// NewDispatcher installs a dispatcher for client and replays pending in order.
func NewDispatcher(ctx context.Context, client *Client, pending ...Command) *Dispatcher {
	d := &Dispatcher{client: client, logger: client.logger}
	for _, cmd := range pending {
		d.Dispatch(ctx, cmd)
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Command failed", zap.String("command", string(cmd.Kind)), zap.Any("panic", r))
		}
	}()

	switch cmd.Kind {
	case CommandTrack:
		d.client.Track(ctx, cmd.Event, cmd.Properties)
	case CommandIdentify:
		d.client.Identify(ctx, cmd.Properties)
	case CommandConfig:
		d.client.Config(cmd.Options)
	case CommandInit:
		d.client.Init(ctx, cmd.Options)
	default:
		d.logger.Error("Unknown command", zap.String("command", string(cmd.Kind)))
	}
}

// Call dispatches an array-style call.
func (d *Dispatcher) Call(ctx context.Context, args ...any) {
	cmd, err := ParseCommand(args)
	if err != nil {
		d.logger.Error("Invalid command", zap.Error(err))
		return
	}
	d.Dispatch(ctx, cmd)
}
