// Package dal is the device abstraction layer between routines and the
// device registry.
//
// A routine declares the roles it needs as Requirements. Resolve binds each
// role to the first connected device of the requested type and fails
// atomically if a required role cannot be bound. A Layer then exposes the
// binding through the role-indexed Devices interface:
//
//	mapping, err := dal.Resolve(registry, info.RequiredDevices)
//	if err != nil {
//	    return err // wraps ErrMissingRequiredDevice
//	}
//	layer := dal.NewLayer(registry, mapping, dal.Options{Dispatch: slot.Enqueue})
//	defer layer.Release(ctx)
//
// Property-change callbacks are edge-triggered. Callbacks for one device
// arrive in the order the registry received the reports; they are handed to
// the Dispatcher so the engine can run them in the routine's serialized
// execution slot.
//
// SetProperty never blocks on hardware. Commands go through a bounded
// outbox drained by one goroutine; failures are logged and reported to
// Options.OnCommandFailure, never returned.
package dal
