package types

// Native program addresses.
var (
	// SystemProgramAddr is the System Program address. It is also the owner
	// of every account that has never been assigned to a program.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// NativeLoaderAddr owns the executable accounts of registered programs.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")
)

// IsNativeProgram returns true if the pubkey is a native program.
func IsNativeProgram(p Pubkey) bool {
	switch p {
	case SystemProgramAddr, NativeLoaderAddr:
		return true
	default:
		return false
	}
}
