package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openeuler-mirror/WasmEngine/meter"
)

// UnitOfCompute is the number of guest instructions one unit of fuel buys.
const UnitOfCompute = 100_000

// ErrOutOfFuel is the cause attached to traps raised by fuel exhaustion.
var ErrOutOfFuel = errors.New("all fuel consumed by WebAssembly")

// IsOutOfFuel reports whether err is a trap caused by fuel exhaustion.
func IsOutOfFuel(err error) bool {
	return errors.Is(err, ErrOutOfFuel)
}

// fuel is the budget of a single invocation. It is only touched from the
// goroutine running the guest.
type fuel struct {
	remaining   uint64
	checkpoints uint64
	exhausted   bool
}

type fuelKey struct{}

func withFuel(ctx context.Context, units uint64) (context.Context, *fuel) {
	f := &fuel{remaining: units}
	return context.WithValue(ctx, fuelKey{}, f), f
}

// linkFuel instantiates the checkpoint host module every instrumented
// guest imports.
func linkFuel(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(meter.CheckpointModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(checkpoint), nil, nil).
		Export(meter.CheckpointName).
		Instantiate(ctx)
	return err
}

// checkpoint runs whenever a guest's fuel counter drops below zero. It
// converts budget units into instructions, yields the scheduler, and aborts
// the guest once the budget is spent or the caller has gone away.
func checkpoint(ctx context.Context, mod api.Module, _ []uint64) {
	f, ok := ctx.Value(fuelKey{}).(*fuel)
	if !ok {
		panic("fuel checkpoint reached outside of an invocation")
	}
	g, ok := mod.ExportedGlobal(meter.FuelGlobal).(api.MutableGlobal)
	if !ok {
		panic(fmt.Sprintf("module does not export mutable %s", meter.FuelGlobal))
	}

	counter := int64(g.Get())
	for counter < 0 {
		if f.remaining == 0 {
			f.exhausted = true
			panic(ErrOutOfFuel)
		}
		f.remaining--
		counter += UnitOfCompute
	}
	g.Set(uint64(counter))
	f.checkpoints++

	if err := ctx.Err(); err != nil {
		panic(err)
	}
	runtime.Gosched()
}
