//go:build !test

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dosemu-go/coredos/backend/kvmbackend"
	"github.com/dosemu-go/coredos/config"
	"github.com/dosemu-go/coredos/dispatcher"
)

// backendFlag adapts dispatcher.BackendKind to the standard flag package,
// the way vmm.Boot's own CLI front end turned a string into a vmm.Config.
type backendFlag struct {
	kind dispatcher.BackendKind
}

func (f *backendFlag) String() string {
	return f.kind.String()
}

func (f *backendFlag) Set(s string) error {
	switch s {
	case "auto":
		f.kind = dispatcher.BackendAuto
	case "kvm":
		f.kind = dispatcher.BackendKVM
	case "v86":
		f.kind = dispatcher.BackendV86
	case "interp":
		f.kind = dispatcher.BackendInterp
	case "jit":
		f.kind = dispatcher.BackendJIT
	default:
		return fmt.Errorf("unknown -backend %q (want auto, kvm, v86, interp, or jit)", s)
	}

	return nil
}

func main() {
	be := backendFlag{kind: dispatcher.BackendAuto}
	lowMem := flag.String("lowmem", "640K", "conventional memory size, num[gGmMkK]")
	xms := flag.String("xms", "0", "extended memory size, num[gGmMkK]")
	diag := flag.Bool("diag", false, "print host /dev/kvm capabilities and CPUID leaves, then exit")

	flag.Var(&be, "backend", "execution backend: auto, kvm, v86, interp, or jit")
	flag.Parse()

	if *diag {
		if err := kvmbackend.DumpCapabilities(os.Stdout); err != nil {
			log.Fatal(err)
		}

		if err := kvmbackend.DumpSupportedCPUID(os.Stdout); err != nil {
			log.Fatal(err)
		}

		return
	}

	lowMemKiB, err := config.ParseSize(*lowMem, "K")
	if err != nil {
		log.Fatalf("-lowmem: %v", err)
	}

	xmsKiB, err := config.ParseSize(*xms, "K")
	if err != nil {
		log.Fatalf("-xms: %v", err)
	}

	c, err := dispatcher.New(dispatcher.Config{
		LowMemKiB: lowMemKiB >> 10,
		XMSKiB:    xmsKiB >> 10,
		Backend:   be.kind,
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := c.Setup(); err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := c.Shutdown(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	restore, err := c.StartTerminalReader()
	if err != nil {
		log.Fatal(err)
	}

	defer restore()

	if err := c.Run(); err != nil {
		log.Fatal(err)
	}
}
