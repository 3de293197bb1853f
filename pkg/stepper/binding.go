package stepper

import "klipper-go-extruder/pkg/trapq"

// Binding records which motion queue a stepper follows. It is either
// Unbound or Bound to exactly one named queue; the value itself is
// immutable and only Stepper.SetBinding replaces it.
type Binding struct {
	queue  string
	handle trapq.Handle
}

// Unbound is the idle binding: the stepper accepts no motion.
func Unbound() Binding {
	return Binding{}
}

// Bound attaches to the queue registered under name.
func Bound(name string, h trapq.Handle) Binding {
	return Binding{queue: name, handle: h}
}

// IsBound reports whether the binding names a queue.
func (b Binding) IsBound() bool {
	return b.handle.Valid()
}

// Queue returns the bound queue name, if any.
func (b Binding) Queue() (string, bool) {
	return b.queue, b.IsBound()
}

// Handle returns the bound queue handle (zero when unbound).
func (b Binding) Handle() trapq.Handle {
	return b.handle
}

func (b Binding) String() string {
	if !b.IsBound() {
		return "unbound"
	}
	return "bound(" + b.queue + ")"
}
