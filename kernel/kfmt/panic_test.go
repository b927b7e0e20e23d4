package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		panicDumpFn = nil
		outputSink = nil
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)
	SetOutputSink(&buf)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		name string
		arg  interface{}
		exp  string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.arg)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}

	t.Run("with dump function", func(t *testing.T) {
		buf.Reset()
		SetPanicDumpFn(func() {
			Printf("EIP = %8x\n", uint32(0x10000000))
		})

		Panic(&kernel.Error{Module: "proc", Message: "invalid TCB"})

		exp := "EIP = 10000000\n\n-----------------------------------\n[proc] unrecoverable error: invalid TCB\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}
	})
}

func TestPanicHaltsCPU(t *testing.T) {
	defer func() {
		outputSink = nil
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected Panic to halt the CPU; got %v", err)
		}
	}()

	SetOutputSink(&bytes.Buffer{})
	Panic("halt")
}
