// Package runtime compiles and runs cleaned hook modules with wazero.
//
// Verify is the quick check used after a transform: it compiles the output,
// which runs wazero's validator, and confirms the hook and cbak exports have
// the hook signature.
//
//	if err := runtime.Verify(ctx, out); err != nil {
//	    return err
//	}
//
// For execution, register host functions for the module's imports and call
// the hook:
//
//	rt := runtime.New(ctx)
//	defer rt.Close(ctx)
//
//	_ = rt.Hosts().RegisterFunc("env", "_g", func(ctx context.Context, stack []uint64) {
//	    stack[0] = 1
//	})
//
//	mod, err := rt.Compile(ctx, out)
//	if err != nil {
//	    return err
//	}
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    return err
//	}
//	defer inst.Close(ctx)
//
//	code, err := inst.CallHook(ctx, "hook", 0)
//
// Imports with no registered function are bound to stubs returning zero.
package runtime
