package types

// Pid identifies a process on the host. Pids are reused by the kernel after
// exit, so a Pid alone is not a stable identity for a logical process.
type Pid uint32

func (p Pid) Uint32() uint32 {
	return uint32(p)
}

func (p Pid) Int32() int32 {
	return int32(p)
}
