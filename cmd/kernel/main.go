// Command kernel boots the simulated machine with a small number of
// environments and runs until every CPU halts, the stand-in for the real
// entry point's boot-to-idle sequence (spec.md 6's boot-time contract).
package main

import (
	"fmt"
	"os"

	"github.com/zijeric/EricOS/internal/kernel"
	"github.com/zijeric/EricOS/internal/user"
)

func main() {
	k := kernel.New(kernel.Config{Frames: 4096, CPUs: 2})

	_, errc := k.Spawn(0, func(p *user.Process) {
		for i := 0; i < 5; i++ {
			p.Cputs(fmt.Sprintf("iter %d\n", i))
			p.Yield()
		}
		p.Cputs("iter 5\n")
	})
	if errc != 0 {
		fmt.Fprintf(os.Stderr, "kernel: spawn failed: %v\n", errc)
		os.Exit(1)
	}

	done := make(chan struct{}, 2)
	for cpu := 0; cpu < 2; cpu++ {
		go func(cpu int) {
			k.RunCPU(cpu)
			done <- struct{}{}
		}(cpu)
	}

	<-done
	<-done
	fmt.Fprint(os.Stdout, k.Console.Output())
}
