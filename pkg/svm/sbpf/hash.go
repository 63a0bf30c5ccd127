package sbpf

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// EntrypointHash is the call key of the program entrypoint.
var EntrypointHash = SymbolHash([]byte("entrypoint"))

// SymbolHash returns the murmur3 call key of a symbol name.
func SymbolHash(name []byte) uint32 {
	return murmur3.Sum32(name)
}

// SyscallHash returns the call key of a named syscall.
func SyscallHash(name string) uint32 {
	return SymbolHash([]byte(name))
}

// FunctionHash returns the call key of the internal function at pc.
// Functions are keyed by their target instruction rather than by name.
func FunctionHash(pc int) uint32 {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(pc))
	return SymbolHash(key[:])
}
