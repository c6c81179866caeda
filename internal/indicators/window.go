package indicators

import "github.com/shopspring/decimal"

// Window keeps the last n values.
type Window struct {
	size   int
	values []decimal.Decimal
}

// NewWindow creates a window holding at most size values.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, values: make([]decimal.Decimal, 0, size)}
}

// Push appends v, evicting the oldest value when full.
func (w *Window) Push(v decimal.Decimal) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)
}

// Values returns the held values, oldest first. The slice is only valid
// until the next Push.
func (w *Window) Values() []decimal.Decimal { return w.values }

// Full reports whether the window holds size values.
func (w *Window) Full() bool { return len(w.values) == w.size }
