package uart

import (
	"bytes"
	"testing"
)

// fake16550 emulates the registers of a serial port that is probed through
// the port I/O hooks.
type fake16550 struct {
	base      uint16
	regs      [8]uint8
	divisor   [2]uint8
	noEcho    bool
	txBusy    int
	loopback  byte
	sent      []byte
	busyPolls int
}

func (f *fake16550) write(port uint16, val uint8) {
	reg := port - f.base
	switch {
	case reg <= regIntEnable && f.regs[regLineCtrl]&lineCtrlDLAB != 0:
		f.divisor[reg] = val
	case reg == regData && f.regs[regModemCtrl] == modemCtrlLoopback:
		f.loopback = val
	case reg == regData:
		f.sent = append(f.sent, val)
	default:
		f.regs[reg] = val
	}
}

func (f *fake16550) read(port uint16) uint8 {
	switch port - f.base {
	case regData:
		if f.noEcho {
			return 0
		}
		return f.loopback
	case regLineStatus:
		if f.txBusy > 0 {
			f.txBusy--
			f.busyPolls++
			return 0
		}
		return lineStatusTxEmpty
	}
	return 0
}

func mockPort(f *fake16550) func() {
	origWrite, origRead := portWriteByteFn, portReadByteFn
	portWriteByteFn, portReadByteFn = f.write, f.read
	return func() {
		portWriteByteFn, portReadByteFn = origWrite, origRead
	}
}

func TestDriverInit(t *testing.T) {
	dev := &fake16550{base: COM1}
	defer mockPort(dev)()

	var buf bytes.Buffer
	port := NewPort(COM1)
	if err := port.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	if dev.divisor != [2]uint8{baudDivisor, 0} {
		t.Errorf("expected baud divisor %d; got %v", baudDivisor, dev.divisor)
	}
	if dev.regs[regLineCtrl] != lineCtrl8N1 {
		t.Errorf("expected line control 0x%x; got 0x%x", lineCtrl8N1, dev.regs[regLineCtrl])
	}
	if dev.regs[regModemCtrl] != modemCtrlNormal {
		t.Errorf("expected the port to leave loopback mode; modem control 0x%x", dev.regs[regModemCtrl])
	}
	if exp := "[uart] port 0x3f8 initialized (38400 8N1)\n"; buf.String() != exp {
		t.Errorf("expected init message %q; got %q", exp, buf.String())
	}
	if name := port.DriverName(); name != "uart_16550" {
		t.Errorf("unexpected driver name %q", name)
	}
	if major, minor, patch := port.DriverVersion(); major != 0 || minor != 0 || patch != 1 {
		t.Errorf("unexpected driver version %d.%d.%d", major, minor, patch)
	}
}

func TestDriverInitWithoutDevice(t *testing.T) {
	dev := &fake16550{base: COM1, noEcho: true}
	defer mockPort(dev)()

	port := NewPort(COM1)
	if err := port.DriverInit(&bytes.Buffer{}); err != errLoopbackFailed {
		t.Fatalf("expected errLoopbackFailed; got %v", err)
	}

	if n, err := port.Write([]byte("dropped")); n != 7 || err != nil {
		t.Fatalf("expected Write to swallow output; got %d, %v", n, err)
	}
	if len(dev.sent) != 0 {
		t.Fatalf("expected no output on an uninitialized port; got %q", dev.sent)
	}
}

func TestWrite(t *testing.T) {
	specs := []struct {
		input  string
		txBusy int
		exp    string
	}{
		{"hello", 0, "hello"},
		{"[frames] init\n", 0, "[frames] init\r\n"},
		{"a\nb\n", 3, "a\r\nb\r\n"},
		// A transmitter that never drains drops the byte.
		{"x", txSpinLimit + 1, ""},
	}

	for specIndex, spec := range specs {
		dev := &fake16550{base: COM1}
		restore := mockPort(dev)

		port := NewPort(COM1)
		if err := port.DriverInit(&bytes.Buffer{}); err != nil {
			t.Fatal(err)
		}

		dev.txBusy = spec.txBusy
		n, err := port.Write([]byte(spec.input))
		restore()

		if n != len(spec.input) || err != nil {
			t.Errorf("[spec %d] expected Write to return (%d, nil); got (%d, %v)", specIndex, len(spec.input), n, err)
		}
		if string(dev.sent) != spec.exp {
			t.Errorf("[spec %d] expected %q on the wire; got %q", specIndex, spec.exp, dev.sent)
		}
		if spec.txBusy > 0 && spec.txBusy <= txSpinLimit && dev.busyPolls != spec.txBusy {
			t.Errorf("[spec %d] expected %d busy polls; got %d", specIndex, spec.txBusy, dev.busyPolls)
		}
	}
}
