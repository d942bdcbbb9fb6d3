package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the size of the scratch buffer used for formatting
// numbers; it also caps the padding that can be applied to a number.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	numBuf [numBufSize]byte

	// scratch is a single byte buffer used for emitting string contents
	// and padding one character at a time without converting them into
	// heap-allocated byte slices.
	scratch = []byte{0}

	// earlyPrintBuffer captures Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer that receives Printf output. While nil,
	// output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any output accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink for Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be used before any
// memory allocator is available. It never allocates.
//
// The following subset of fmt verbs is supported:
//  %s a string or byte slice
//  %d base 10 integer
//  %x base 16 integer with lower-case letters
//  %o base 8 integer
//  %t a boolean
//  %% a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Printf does not check its arguments for io.Stringer or error support as
// the runtime itables may not be set up when it gets called.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer redirects output to the early print
// buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		index    = 0
		fmtLen   = len(format)
	)

	for index < fmtLen {
		if format[index] != '%' {
			writeByte(w, format[index])
			index++
			continue
		}

		// Parse optional width followed by a verb
		width = 0
		for index++; index < fmtLen && format[index] >= '0' && format[index] <= '9'; index++ {
			width = width*10 + int(format[index]-'0')
		}

		if index == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[index]
		index++

		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 's', 'd', 'x', 'o', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 's':
			fmtString(w, args[argIndex], width)
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt writes v using the requested base. All built-in integer types are
// supported; negative values are prefixed with a minus sign.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, negative = abs(int64(n))
	case int16:
		mag, negative = abs(int64(n))
	case int32:
		mag, negative = abs(int64(n))
	case int64:
		mag, negative = abs(n)
	case int:
		mag, negative = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= numBufSize {
		width = numBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are emitted right-to-left into numBuf.
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = hexDigits[mag%base]
		mag /= base
		if mag == 0 {
			break
		}
	}

	if padCh == '0' {
		for numBufSize-pos < width {
			pos--
			numBuf[pos] = '0'
		}
	}

	if negative {
		pos--
		numBuf[pos] = '-'
	}

	for numBufSize-pos < width {
		pos--
		numBuf[pos] = ' '
	}

	doWrite(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	scratch[0] = b
	doWrite(w, scratch)
}

func writeRepeat(w io.Writer, b byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, b)
	}
}

// doWrite hides p from the compiler's escape analysis. Without it, passing p
// to an io.Writer whose concrete type is unknown at compile time flags p as
// escaping, which makes every Printf call allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
