package kmain

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
	"github.com/retroaalto/atOS-sub000/kernel/hal/e820"
	"github.com/retroaalto/atOS-sub000/kernel/irq"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/mm/kheap"
	"github.com/retroaalto/atOS-sub000/kernel/mm/pmm"
	"github.com/retroaalto/atOS-sub000/kernel/mm/vmm"
	"github.com/retroaalto/atOS-sub000/kernel/proc"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

// Kmain brings up the kernel on a machine described by memoryMap. The boot
// loader passes the E820 map collected in real mode and the boot command
// line.
//
// The memory managers are initialized bottom-up, followed by the scheduler
// which takes over the master task. Kmain returns with interrupts enabled;
// from then on the kernel only runs in response to interrupts.
//
//go:noinline
func Kmain(memoryMap []e820.MemoryMapEntry, cmdLine string) *kernel.Error {
	tok := sync.DisableInterrupts()
	defer tok.Restore()

	cfg, err := ParseCmdLine(cmdLine)
	if err != nil {
		return err
	}

	if err = cfg.Layout.Validate(); err != nil {
		return err
	}

	e820.SetMemoryMap(memoryMap)

	if err = pmm.Init(tok, cfg.Layout); err != nil {
		return err
	} else if err = vmm.Init(tok, cfg.Layout); err != nil {
		return err
	} else if err = kheap.Init(tok, cfg.Layout, cfg.HeapPages); err != nil {
		return err
	} else if err = proc.Init(tok, cfg.Layout, cfg.MaxImage); err != nil {
		return err
	}

	kfmt.SetPanicDumpFn(irq.DumpActiveFrame)
	kfmt.Printf("[kmain] kernel up, %d pages of heap\n", uint64(cfg.HeapPages))

	tok.Restore()
	cpu.EnableInterrupts()
	return nil
}
