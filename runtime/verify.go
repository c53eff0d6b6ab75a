package runtime

import "context"

// Verify compiles wasm with a throwaway runtime and checks the hook exports.
// Errors carry PhaseVerify.
func Verify(ctx context.Context, wasm []byte) error {
	r := New(ctx)
	defer r.Close(ctx)

	mod, err := r.Compile(ctx, wasm)
	if err != nil {
		return err
	}
	defer mod.Close(ctx)

	return mod.CheckHook()
}
