package corert

import "runtime"

func numThreads() int {
	return runtime.GOMAXPROCS(0)
}
