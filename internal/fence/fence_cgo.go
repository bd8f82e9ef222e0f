//go:build linux && cgo

package fence

/*
#include <stdint.h>

// x86-64 store fence: ensures all prior stores are globally visible
// before any subsequent store. Needed when handing a freshly written
// chunk or interned object off to another goroutine through a plain
// pointer write, without a channel or mutex to supply the ordering.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence: ensures all prior loads and stores are
// complete before any subsequent memory operation.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Store issues a store fence (x86 SFENCE). internal/process calls this
// after pushing a task onto an orphaned process and before posting that
// process's arbiter to its parent: belt-and-suspenders over the process
// mutex that already orders the push, not a substitute for it.
func Store() {
	C.sfence_impl()
}

// Full issues a full memory fence (x86 MFENCE), for call sites that
// need both load and store ordering around a transition.
func Full() {
	C.mfence_impl()
}
