// Package routine defines the contract every routine satisfies, the
// structural validator the engine runs before a routine may start, the
// parameter specs with their override validation, and the catalog that
// maps routine IDs to compiled-in factories.
//
// A routine implements Routine and may additionally implement Pauser,
// Resumer and Ender. The engine checks for these capabilities once when
// the routine is loaded.
//
//	type Hold struct{ routine.Base }
//
//	func (h *Hold) Info() routine.Info { ... }
//	func (h *Hold) Start(ctx context.Context, d dal.Devices, p routine.Params) error { ... }
//	func (h *Hold) Loop(ctx context.Context, d dal.Devices) (bool, error) { ... }
//	func (h *Hold) End(ctx context.Context, d dal.Devices) error { ... }
//
// Parameter overrides are validated against their ParamSpec and rejected
// with ErrInvalidParameter; they are never silently clamped.
package routine
