// Package service provides an example dispatcher.Service: a fleet
// configuration push that fans an order out into one task per target
// device. spec.md treats protocol drivers (SSH/Telnet) as an external,
// user-supplied interface, so RunFunction here calls a Driver rather than
// opening a session itself.
package service

import (
	"context"
	"fmt"

	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/order"
)

// Driver is the out-of-scope protocol collaborator spec.md §1 names
// ("Protocol drivers... are treated as interfaces only"): it runs a single
// command against one device over whatever transport it implements.
type Driver interface {
	Run(ctx context.Context, device, command string) error
}

// FleetConfigPush is a Service that pushes the same command set to every
// device named in an order's descriptor, one task per device, all on a
// single named queue.
type FleetConfigPush struct {
	dispatcher *dispatcher.OrderDispatcher
	driver     Driver
	queueName  string
}

// NewFleetConfigPush builds the service. Every task it creates is enqueued
// on queueName, so the dispatcher's per-queue concurrency cap bounds how
// many devices are touched concurrently.
func NewFleetConfigPush(d *dispatcher.OrderDispatcher, driver Driver, queueName string) *FleetConfigPush {
	return &FleetConfigPush{dispatcher: d, driver: driver, queueName: queueName}
}

// Check admits any order whose descriptor names at least one device.
func (s *FleetConfigPush) Check(ctx context.Context, o *order.Order) (bool, error) {
	devices, err := devicesFrom(o)
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

// Enter creates one task per device and marks each ready immediately: all
// of an order's devices are known up front, so there is no reason to defer
// any task's go_event (SPEC_FULL.md §9.1's Open Question resolution
// assumes Enter creates every task before returning).
func (s *FleetConfigPush) Enter(ctx context.Context, o *order.Order) (bool, error) {
	devices, err := devicesFrom(o)
	if err != nil {
		return false, err
	}

	for _, device := range devices {
		task, err := s.dispatcher.CreateTask(ctx, o, device, s.queueName, device)
		if err != nil {
			return false, fmt.Errorf("create task for device %q: %w", device, err)
		}
		if err := order.NewTaskStateMachine(task).Ready(); err != nil {
			return false, fmt.Errorf("mark task ready for device %q: %w", device, err)
		}
	}
	return true, nil
}

// RunFunction runs the order's command set against the device named by
// funcName (the task's symbolic function name, here just the device name).
func (s *FleetConfigPush) RunFunction(ctx context.Context, funcName string, o *order.Order, t *order.Task) error {
	commands, err := commandsFrom(o)
	if err != nil {
		return err
	}

	log, logErr := o.Logger("fleetconfig", s.dispatcher.LoggerFactory())
	if logErr == nil && log != nil {
		defer log.Close()
	}

	for _, cmd := range commands {
		if log != nil {
			// log prepends "<asctime> - INFO - " per-line (spec.md §6);
			// only the message body is written here.
			fmt.Fprintf(log, "%s: %s\n", funcName, cmd)
		}
		if err := s.driver.Run(ctx, funcName, cmd); err != nil {
			return fmt.Errorf("run %q on %q: %w", cmd, funcName, err)
		}
	}
	return nil
}

func devicesFrom(o *order.Order) ([]string, error) {
	raw, ok := o.Descriptor["devices"]
	if !ok {
		return nil, fmt.Errorf("order descriptor missing %q", "devices")
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("order descriptor %q must be a list", "devices")
	}
	devices := make([]string, 0, len(items))
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("order descriptor %q entries must be strings", "devices")
		}
		devices = append(devices, name)
	}
	return devices, nil
}

func commandsFrom(o *order.Order) ([]string, error) {
	raw, ok := o.Descriptor["commands"]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("order descriptor %q must be a list", "commands")
	}
	commands := make([]string, 0, len(items))
	for _, item := range items {
		cmd, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("order descriptor %q entries must be strings", "commands")
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}
