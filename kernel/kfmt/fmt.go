// Package kfmt implements the kernel logger: an allocation-free Printf whose
// output is buffered until a sink such as the serial port is attached.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is the size of the scratch buffer used for formatting integers.
// A 64-bit value in base 8 needs 22 digits plus a sign.
const numBufSize = 32

var (
	markMissingArg = []byte("(MISSING)")
	markWrongType  = []byte("%!(WRONGTYPE)")
	markNoVerb     = []byte("%!(NOVERB)")
	markExtraArg   = []byte("%!(EXTRA)")
	textTrue       = []byte("true")
	textFalse      = []byte("false")
	hexDigits      = []byte("0123456789abcdef")

	numBuf   [numBufSize]byte
	charBuf  [1]byte
	earlyBuf ringBuffer

	// outputSink receives the output of Printf. While nil, output is kept in
	// earlyBuf.
	outputSink io.Writer
)

// Output is an io.Writer that forwards everything written to it to the active
// output sink, or to the early buffer if no sink is attached yet.
var Output io.Writer = outputWriter{}

type outputWriter struct{}

func (outputWriter) Write(p []byte) (int, error) {
	write(outputSink, p)
	return len(p), nil
}

// SetOutputSink redirects Printf output to w and flushes everything that was
// buffered before a sink was available.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuf)
	}
}

// Printf writes a formatted message to the active output sink. It never
// allocates, which makes it safe to call while the memory manager is being
// brought up.
//
// Supported verbs: %s (string, []byte), %d %o %x (all built-in integer
// types), %t (bool) and %% for a literal percent sign. An optional decimal
// width may precede the verb. Strings and base-10 values are left-padded with
// spaces, base-8 and base-16 values with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		end      = len(format)
	)

	for i := 0; i < end; i++ {
		if format[i] != '%' {
			writeChar(w, format[i])
			continue
		}

		width = 0
		for i++; i < end && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == end {
			write(w, markNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeChar(w, '%')
			continue
		case 'd', 'o', 'x', 's', 't':
		default:
			write(w, markNoVerb)
			continue
		}

		if argIndex >= len(args) {
			write(w, markMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, markExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, markWrongType)
	case b:
		write(w, textTrue)
	default:
		write(w, textFalse)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		// Slicing a string into a []byte would allocate.
		for i := 0; i < len(s); i++ {
			writeChar(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, markWrongType)
	}
}

// fmtInt formats an integer in base 8, 10 or 16. Digits are produced from the
// least significant end of numBuf and then reversed in place.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag      uint64
		negative bool
		padChar  byte = '0'
		n        int
	)

	switch x := v.(type) {
	case uint8:
		mag = uint64(x)
	case uint16:
		mag = uint64(x)
	case uint32:
		mag = uint64(x)
	case uint64:
		mag = x
	case uint:
		mag = uint64(x)
	case uintptr:
		mag = uint64(x)
	case int8:
		mag, negative = abs(int64(x))
	case int16:
		mag, negative = abs(int64(x))
	case int32:
		mag, negative = abs(int64(x))
	case int64:
		mag, negative = abs(x)
	case int:
		mag, negative = abs(int64(x))
	default:
		write(w, markWrongType)
		return
	}

	if base == 10 {
		padChar = ' '
	}
	if width >= numBufSize {
		width = numBufSize - 1
	}

	for {
		numBuf[n] = hexDigits[mag%base]
		n++
		if mag /= base; mag == 0 {
			break
		}
	}

	// Zero padding goes between the sign and the digits while space padding
	// goes in front of the sign.
	signWidth := 0
	if negative {
		signWidth = 1
	}
	if padChar == '0' {
		for ; n+signWidth < width && n < numBufSize-1; n++ {
			numBuf[n] = '0'
		}
	}
	if negative {
		numBuf[n] = '-'
		n++
	}
	for ; n < width; n++ {
		numBuf[n] = padChar
	}

	for l, r := 0, n-1; l < r; l, r = l+1, r-1 {
		numBuf[l], numBuf[r] = numBuf[r], numBuf[l]
	}

	write(w, numBuf[:n])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeChar(w, ch)
	}
}

func writeChar(w io.Writer, ch byte) {
	charBuf[0] = ch
	write(w, charBuf[:])
}

// write hides p from escape analysis. Passing p straight to the unknown
// io.Writer makes the compiler move every formatted buffer to the heap, which
// is not available yet when the frame allocator logs its initial state.
func write(w io.Writer, p []byte) {
	realWrite(w, noEscape(unsafe.Pointer(&p)))
}

func realWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}
	earlyBuf.Write(p)
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
