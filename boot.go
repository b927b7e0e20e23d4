package main

import (
	"os"

	"github.com/retroaalto/atOS-sub000/kernel/hal/e820"
	"github.com/retroaalto/atOS-sub000/kernel/irq"
	"github.com/retroaalto/atOS-sub000/kernel/kfmt"
	"github.com/retroaalto/atOS-sub000/kernel/kmain"
	"github.com/retroaalto/atOS-sub000/kernel/mm"
	"github.com/retroaalto/atOS-sub000/kernel/mm/kheap"
	"github.com/retroaalto/atOS-sub000/kernel/proc"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

// bootMemoryMap is the E820 map of a machine with 64M of RAM.
var bootMemoryMap = []e820.MemoryMapEntry{
	{PhysAddress: 0x00000000, Length: 0x0009fc00, Type: e820.MemAvailable},
	{PhysAddress: 0x0009fc00, Length: 0x00000400, Type: e820.MemReserved},
	{PhysAddress: 0x000f0000, Length: 0x00010000, Type: e820.MemReserved},
	{PhysAddress: 0x00100000, Length: 0x03ef0000, Type: e820.MemAvailable},
	{PhysAddress: 0x03ff0000, Length: 0x00010000, Type: e820.MemAcpiReclaimable},
	{PhysAddress: 0xfffc0000, Length: 0x00040000, Type: e820.MemReserved},
}

const bootCmdLine = "kheap_pages=256 kheap_max=8M"

// demoTicks is the number of timer interrupts delivered before the task
// table is dumped.
const demoTicks = 12

// main plays the part of the boot loader: it hands the memory map to Kmain,
// loads two demo programs and then acts as the interval timer.
func main() {
	kfmt.SetOutputSink(os.Stdout)

	if err := kmain.Kmain(bootMemoryMap, bootCmdLine); err != nil {
		kfmt.Panic(err)
	}

	tok := sync.DisableInterrupts()
	for _, name := range []string{"init", "shell"} {
		if _, err := proc.CreateProcess(tok, name, demoImage(name), 64*mm.Kb, 16*mm.Kb); err != nil {
			kfmt.Panic(err)
		}
	}
	tok.Restore()

	var (
		frame irq.Frame
		regs  irq.Regs
	)
	for i := 0; i < demoTicks; i++ {
		irq.Raise(irq.TimerIRQ, &frame, &regs)
	}

	tok = sync.DisableInterrupts()
	proc.DumpTasks(tok)
	kheap.Dump(tok)
	proc.Shutdown(tok)
	tok.Restore()
}

// demoImage builds a program image that just spins on a jmp $ instruction.
func demoImage(name string) []byte {
	image := make([]byte, mm.PageSize)
	image[0], image[1] = 0xeb, 0xfe
	copy(image[2:], name)
	return image
}
