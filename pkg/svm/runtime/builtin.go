package runtime

// BuiltinFunc is the entrypoint of a native program. It reads its
// instruction from ic.Instruction() and charges its own compute units.
type BuiltinFunc func(ic *InvokeContext) error
