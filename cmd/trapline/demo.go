package main

import (
	"fmt"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"trapline/pkg/errors"
	"trapline/pkg/fault"
	"trapline/pkg/journal"
	"trapline/pkg/mmio"
	"trapline/pkg/reservation"
	"trapline/pkg/thread"
	"trapline/pkg/trap"
	"trapline/pkg/vm"
	"trapline/pkg/x64"
)

// demoCode holds the instruction each demo step faults on.
var demoCode [64]byte

const (
	dataPage    = 0x1000
	guardedPage = 0x3000
)

type demoStep struct {
	name  string
	addr  uint32
	write bool
	build func(a *x64.Assembler)
	regs  func(r *x64.Registers)
	show  func() string
}

func runDemo(config Config) error {
	space := vm.NewBuffer(config.SpaceSize)
	defer space.Close()
	if err := space.Protect(0, config.SpaceSize, vm.Mutable); err != nil {
		return err
	}
	if err := space.Protect(guardedPage, vm.PageSize, vm.Inaccessible); err != nil {
		return err
	}

	devices := mmio.NewRegistry()
	var banks []*mmio.Bank
	for _, w := range config.MMIO {
		// Register pages stay unmapped so every access traps.
		if err := space.Protect(uint64(w.Start), uint64(w.Registers)*mmio.RegisterSize, vm.Inaccessible); err != nil {
			return err
		}
		bank := mmio.NewBank(w.Name, w.Start)
		for i := 0; i < w.Registers; i++ {
			bank.Define(uint32(i*mmio.RegisterSize), mmio.ReadWrite, 0)
		}
		bank.OnWrite = func(offset, value uint32) {
			log.WithFields(log.Fields{"bank": w.Name, "offset": offset}).Infof("register write 0x%08x", value)
		}
		if err := devices.Map(w.Start, bank.End(), bank); err != nil {
			return err
		}
		banks = append(banks, bank)
	}
	devices.Seal()

	reservations := reservation.New(space)
	d := &fault.Dispatcher{Storage: space, Devices: devices, Oracle: reservations}
	if config.JournalPath != "" {
		j, err := journal.Open(config.JournalPath, journal.Options{})
		if err != nil {
			return err
		}
		defer j.Close()
		d.Reporter = j
	}

	th, err := thread.New(thread.Options{Name: "demo"})
	if err != nil {
		return err
	}
	handler := &trap.Handler{
		Space:      space,
		Dispatcher: d,
		Fatal:      func(msg string) { log.Error(msg) },
	}

	// A reservation over the first word of the data page makes the page
	// read-only until a store breaks it.
	if err := reservations.Acquire(th.ID, dataPage, 8); err != nil {
		return err
	}

	steps := []demoStep{
		{
			name: "lock add dword beside a reservation", addr: dataPage + 0x10, write: true,
			build: func(a *x64.Assembler) { a.Lock(); a.AluMemReg(x64.OpAdd, 4, x64.RAX, 0, x64.RCX) },
			regs:  func(r *x64.Registers) { r.GPRs[x64.RCX] = 5 },
			show:  func() string { return word(space, dataPage+0x10, 4) },
		},
		{
			name: "store into the reservation", addr: dataPage, write: true,
			build: func(a *x64.Assembler) { a.MovMemReg(8, x64.RAX, 0, x64.RDX) },
			regs:  func(r *x64.Registers) { r.GPRs[x64.RDX] = 0x1122334455667788 },
			show: func() string {
				return fmt.Sprintf("%s, reservation held: %v", word(space, dataPage, 8), reservations.Holds(th.ID))
			},
		},
	}
	for _, bank := range banks {
		steps = append(steps, demoStep{
			name: "register write to " + bank.Name, addr: bank.Base, write: true,
			build: func(a *x64.Assembler) { a.MovMemReg(4, x64.RAX, 0, x64.RDX) },
			regs:  func(r *x64.Registers) { r.GPRs[x64.RDX] = 0x41000000 },
			show:  func() string { return fmt.Sprintf("register 0 = 0x%08x", bank.Value(0)) },
		})
	}
	steps = append(steps, demoStep{
		name: "load from an inaccessible page", addr: guardedPage,
		build: func(a *x64.Assembler) { a.MovRegMem(8, x64.RDX, x64.RAX, 0) },
	})

	for _, s := range steps {
		runStep(handler, th, space, s)
	}
	return demoInterrupt()
}

func word(space *vm.Space, addr uint32, size int) string {
	v, _ := space.Load(addr, size)
	return fmt.Sprintf("[0x%x] = 0x%x", addr, v)
}

func runStep(h *trap.Handler, th *thread.Thread, space *vm.Space, s demoStep) {
	a := x64.NewAssembler(demoCode[:])
	s.build(a)
	for a.Offset() < len(demoCode) {
		a.Int3()
	}

	var regs x64.Registers
	regs.RIP = uint64(uintptr(unsafe.Pointer(&demoCode[0])))
	regs.GPRs[x64.RAX] = uint64(space.HostAddr(s.addr))
	if s.regs != nil {
		s.regs(&regs)
	}
	start := regs.RIP

	code := uint64(0)
	if s.write {
		code = 2
	}
	tr := trap.Trap{Signal: unix.SIGSEGV, Addr: space.HostAddr(s.addr), Code: code}
	if !h.Signal(th, tr, &regs) {
		fmt.Printf("%-40s fatal\n", s.name)
		return
	}
	switch {
	case th.Stubs().Contains(uintptr(regs.RIP)):
		err := raise(h, th, &regs)
		fmt.Printf("%-40s raised: %v\n", s.name, err)
	default:
		result := ""
		if s.show != nil {
			result = s.show()
		}
		fmt.Printf("%-40s emulated, ip +%d: %s\n", s.name, regs.RIP-start, result)
	}
}

// raise resumes a thread redirected to a stub the way the CPU would: the
// stub's ud2 traps and the bound entry runs.
func raise(h *trap.Handler, th *thread.Thread, regs *x64.Registers) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if err, ok = r.(error); !ok || !errors.IsAccessViolation(err) {
				panic(r)
			}
		}
	}()
	h.Signal(th, trap.Trap{Signal: unix.SIGILL}, regs)
	return nil
}

func demoInterrupt() error {
	stop := make(chan struct{})
	th, err := thread.Spawn(thread.Options{Name: "worker"}, func(th *thread.Thread) {
		regs := x64.Registers{RIP: 0x40_0000}
		steps := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			if ran, err := th.Safepoint(&regs); err != nil {
				panic(err)
			} else if ran {
				fmt.Printf("%-40s delivered after %d guest steps, context restored at 0x%x\n", "interrupt", steps, regs.RIP)
			}
			th.Guard(func() { steps++ })
			time.Sleep(50 * time.Microsecond)
		}
	})
	if err != nil {
		return err
	}
	if err := th.Interrupt(func() {
		log.WithField("on_target", thread.Current() == th).Debug("interrupt handler running")
	}); err != nil {
		return err
	}
	close(stop)
	return th.Join()
}
