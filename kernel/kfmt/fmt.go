package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

const hexDigits = "0123456789abcdef"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxBufSize + 1]byte

	// singleByte is a shared buffer for passing single characters to
	// doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output is
	// buffered in earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any output accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf. A nil value
// means output is captured by the early print buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that does not allocate
// memory and can therefore be used before the Go allocator is initialized.
//
// The following subset of fmt verbs is supported:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%o base 8
//	%d base 10
//	%x base 16 with lower-case letters
//	%t "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces while base-8 and base-16 integers are
// left-padded with zeroes.
//
// Arguments are never checked for io.Stringer or error implementations as the
// itables may not be available yet. Pointers (%p) are not supported as this
// would pull in the reflect package.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex, width int
		fmtLen          = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			// slicing format would trigger an allocation when the
			// sub-string is passed through the io.Writer interface
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		fmtArg(w, verb, args[argIndex], width)
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtArg(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 'o':
		fmtInt(w, arg, 8, width)
	case 'd':
		fmtInt(w, arg, 10, width)
	case 'x':
		fmtInt(w, arg, 16, width)
	case 's':
		fmtString(w, arg, width)
	case 't':
		fmtBool(w, arg)
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

// fmtString prints a string or []byte value, left-padding it with spaces to
// the requested width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// toInt64 unpacks any built-in integer type. The returned neg flag is set for
// negative signed values in which case mag holds the absolute value.
func toInt64(v interface{}) (mag uint64, neg, ok bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints v in the requested base. Digits are generated right to left
// into numFmtBuf so no reversal pass is needed.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	mag, neg, ok := toInt64(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	pos := len(numFmtBuf)
	for {
		pos--
		numFmtBuf[pos] = hexDigits[mag%uint64(base)]
		if mag /= uint64(base); mag == 0 {
			break
		}
	}

	// zero padding goes between the sign and the digits; space padding
	// goes before the sign
	if neg && padCh == '0' {
		width--
	}
	for len(numFmtBuf)-pos < width && padCh == '0' {
		pos--
		numFmtBuf[pos] = padCh
	}
	if neg {
		pos--
		numFmtBuf[pos] = '-'
	}
	for len(numFmtBuf)-pos < width {
		pos--
		numFmtBuf[pos] = padCh
	}

	doWrite(w, numFmtBuf[pos:])
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis. The compiler cannot tell that p does
// not escape through the yet unknown outputSink and would otherwise emit
// calls to runtime.convT2E that allocate memory; a crash if Printf runs
// before the Go allocator is set up.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}

	earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
