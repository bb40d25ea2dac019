package routine

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/nerrad567/routine-core/internal/dal"
)

// Info is a routine's static metadata.
type Info struct {
	ID              string               `json:"id"`
	Title           string               `json:"title"`
	Description     string               `json:"description"`
	RequiredDevices []dal.Requirement    `json:"required_devices"`
	Parameters      map[string]ParamSpec `json:"parameters"`
}

// Routine is the contract every routine satisfies.
//
// The engine calls SetLogger, then Start once, then Loop once per tick
// until it returns false or an error. All calls for one run happen in a
// single serialized execution slot, together with the run's device
// callbacks, so a routine's state needs no locking.
type Routine interface {
	Info() Info
	SetLogger(l Logger)

	// Start prepares the run. Device callbacks are registered here.
	Start(ctx context.Context, devices dal.Devices, params Params) error

	// Loop runs one tick. It returns false when the routine is finished.
	Loop(ctx context.Context, devices dal.Devices) (bool, error)
}

// Pauser is implemented by routines that react to pause.
type Pauser interface {
	Pause(ctx context.Context, devices dal.Devices) error
}

// Resumer is implemented by routines that react to resume.
type Resumer interface {
	Resume(ctx context.Context, devices dal.Devices) error
}

// Ender is implemented by routines that need teardown. End should return
// every actuator to a safe state; it is attempted even after a failure.
type Ender interface {
	End(ctx context.Context, devices dal.Devices) error
}

// callbackChecker lets function-backed routines report missing callbacks.
type callbackChecker interface {
	checkCallbacks() error
}

// Validate checks the structural contract: title, description and the
// required-device list must be present, every requirement must name a
// unique role and a type, parameter specs must be consistent, and start
// and loop must be callable. It does not judge behaviour.
func Validate(r Routine) error {
	if r == nil {
		return fmt.Errorf("%w: routine is nil", ErrInvalidRoutine)
	}
	if rv := reflect.ValueOf(r); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return fmt.Errorf("%w: routine is a nil %T", ErrInvalidRoutine, r)
	}

	info := r.Info()
	var problems []string

	if strings.TrimSpace(info.Title) == "" {
		problems = append(problems, "title is missing")
	}
	if strings.TrimSpace(info.Description) == "" {
		problems = append(problems, "description is missing")
	}
	if info.RequiredDevices == nil {
		problems = append(problems, "required devices are missing")
	}

	roles := make(map[string]bool, len(info.RequiredDevices))
	for i, req := range info.RequiredDevices {
		switch {
		case req.LogicalID == "":
			problems = append(problems, fmt.Sprintf("required device %d has no logical id", i))
		case roles[req.LogicalID]:
			problems = append(problems, fmt.Sprintf("logical id %q declared twice", req.LogicalID))
		case req.Type == "":
			problems = append(problems, fmt.Sprintf("logical id %q has no type", req.LogicalID))
		}
		roles[req.LogicalID] = true
	}

	for name, spec := range info.Parameters {
		if err := ValidateSpec(spec); err != nil {
			problems = append(problems, fmt.Sprintf("parameter %s: %v", name, err))
		}
	}

	if c, ok := r.(callbackChecker); ok {
		if err := c.checkCallbacks(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRoutine, strings.Join(problems, "; "))
	}
	return nil
}

// Definition is a Routine assembled from functions. It suits small
// routines and tests; StartFn and LoopFn are required.
type Definition struct {
	Base

	Meta Info

	StartFn  func(ctx context.Context, devices dal.Devices, params Params) error
	LoopFn   func(ctx context.Context, devices dal.Devices) (bool, error)
	PauseFn  func(ctx context.Context, devices dal.Devices) error
	ResumeFn func(ctx context.Context, devices dal.Devices) error
	EndFn    func(ctx context.Context, devices dal.Devices) error
}

// Info returns Meta.
func (d *Definition) Info() Info { return d.Meta }

// Start calls StartFn.
func (d *Definition) Start(ctx context.Context, devices dal.Devices, params Params) error {
	return d.StartFn(ctx, devices, params)
}

// Loop calls LoopFn.
func (d *Definition) Loop(ctx context.Context, devices dal.Devices) (bool, error) {
	return d.LoopFn(ctx, devices)
}

// Pause calls PauseFn when set.
func (d *Definition) Pause(ctx context.Context, devices dal.Devices) error {
	if d.PauseFn == nil {
		return nil
	}
	return d.PauseFn(ctx, devices)
}

// Resume calls ResumeFn when set.
func (d *Definition) Resume(ctx context.Context, devices dal.Devices) error {
	if d.ResumeFn == nil {
		return nil
	}
	return d.ResumeFn(ctx, devices)
}

// End calls EndFn when set.
func (d *Definition) End(ctx context.Context, devices dal.Devices) error {
	if d.EndFn == nil {
		return nil
	}
	return d.EndFn(ctx, devices)
}

func (d *Definition) checkCallbacks() error {
	var missing []string
	if d.StartFn == nil {
		missing = append(missing, "start")
	}
	if d.LoopFn == nil {
		missing = append(missing, "loop")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s not callable", strings.Join(missing, " and "))
	}
	return nil
}
