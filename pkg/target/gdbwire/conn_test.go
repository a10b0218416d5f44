package gdbwire

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
)

const stubTargetXml = `<?xml version="1.0"?>
<target version="1.0">
<feature name="org.gnu.gdb.arm.m-profile">
  <reg name="r0" bitsize="32" regnum="0"/>
  <reg name="r1" bitsize="32"/>
  <reg name="r2" bitsize="32"/>
  <reg name="r3" bitsize="32"/>
  <reg name="r4" bitsize="32"/>
  <reg name="r5" bitsize="32"/>
  <reg name="r6" bitsize="32"/>
  <reg name="r7" bitsize="32"/>
  <reg name="r8" bitsize="32"/>
  <reg name="r9" bitsize="32"/>
  <reg name="r10" bitsize="32"/>
  <reg name="r11" bitsize="32"/>
  <reg name="r12" bitsize="32"/>
  <reg name="sp" bitsize="32"/>
  <reg name="lr" bitsize="32"/>
  <reg name="pc" bitsize="32"/>
  <reg name="xpsr" bitsize="32"/>
</feature>
</target>`

// fakeStub is a minimal gdb stub good enough for the handshake plus memory
// and register reads. Memory is a flat image, registers are regnum->value.
type fakeStub struct {
	memBase  uint64
	mem      []byte
	regs     map[int]uint32
	noJumbo  bool // advertise a small PacketSize
	ack      bool
	requests []string
}

func (s *fakeStub) serve(conn net.Conn) {
	s.ack = true
	rdr := bufio.NewReader(conn)
	for {
		b, err := rdr.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '+', '-':
			continue
		case '$':
			packet, err := rdr.ReadBytes('#')
			if err != nil {
				return
			}
			cks := make([]byte, 2)
			if _, err := rdr.Read(cks); err != nil {
				return
			}
			cmd := string(packet[:len(packet)-1])
			s.requests = append(s.requests, cmd)
			if s.ack {
				conn.Write([]byte{'+'})
			}
			resp := s.dispatch(cmd)
			writePacket(conn, resp)
		}
	}
}

func writePacket(conn net.Conn, payload string) {
	var sum uint8
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	fmt.Fprintf(conn, "$%s#%02x", payload, sum)
}

func (s *fakeStub) dispatch(cmd string) string {
	switch {
	case cmd == "QStartNoAckMode":
		s.ack = false
		return "OK"
	case strings.HasPrefix(cmd, "qSupported"):
		if s.noJumbo {
			return "PacketSize=47;qXfer:features:read+"
		}
		return "PacketSize=1000;qXfer:features:read+"
	case strings.HasPrefix(cmd, "qXfer:features:read:target.xml:"):
		spec := strings.TrimPrefix(cmd, "qXfer:features:read:target.xml:")
		comma := strings.Index(spec, ",")
		off, _ := strconv.ParseInt(spec[:comma], 16, 64)
		if off >= int64(len(stubTargetXml)) {
			return "l"
		}
		return "l" + stubTargetXml[off:]
	case cmd == "?":
		return "T05thread:01;"
	case strings.HasPrefix(cmd, "m"):
		spec := strings.TrimPrefix(cmd, "m")
		comma := strings.Index(spec, ",")
		addr, _ := strconv.ParseUint(spec[:comma], 16, 64)
		n, _ := strconv.ParseInt(spec[comma+1:], 16, 32)
		if addr < s.memBase || addr+uint64(n) > s.memBase+uint64(len(s.mem)) {
			return "E01"
		}
		var out bytes.Buffer
		for _, b := range s.mem[addr-s.memBase : addr-s.memBase+uint64(n)] {
			fmt.Fprintf(&out, "%02x", b)
		}
		return out.String()
	case strings.HasPrefix(cmd, "p"):
		regnum, _ := strconv.ParseInt(strings.TrimPrefix(cmd, "p"), 16, 32)
		v, ok := s.regs[int(regnum)]
		if !ok {
			return "E01"
		}
		return fmt.Sprintf("%02x%02x%02x%02x", byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	default:
		return ""
	}
}

func startStub(t *testing.T, stub *fakeStub) *Conn {
	t.Helper()
	clt, srv := net.Pipe()
	go stub.serve(srv)
	conn, err := newConn(clt)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandshakeReadsRegisterInfo(t *testing.T) {
	conn := startStub(t, &fakeStub{regs: map[int]uint32{}})
	if len(conn.regsInfo) != 17 {
		t.Fatalf("expected 17 registers from target.xml, got %d", len(conn.regsInfo))
	}
	if pc := conn.lookupRegister("pc"); pc == nil || pc.Regnum != 15 {
		t.Errorf("pc register not assigned regnum 15: %+v", pc)
	}
	if !conn.halted {
		t.Error("stub reported T05 but conn does not believe the target is halted")
	}
}

func TestReadMemory(t *testing.T) {
	mem := make([]byte, 512)
	for i := range mem {
		mem[i] = byte(i * 3)
	}
	conn := startStub(t, &fakeStub{memBase: 0x20000000, mem: mem, regs: map[int]uint32{}})

	buf := make([]byte, 256)
	if _, err := conn.ReadMemory(buf, 0x20000010); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, mem[0x10:0x110]) {
		t.Error("memory read returned wrong bytes")
	}

	if _, err := conn.ReadMemory(buf, 0x10000000); err == nil {
		t.Error("expected error reading unmapped memory")
	}
}

func TestReadMemorySplitsPackets(t *testing.T) {
	mem := make([]byte, 256)
	for i := range mem {
		mem[i] = byte(i)
	}
	stub := &fakeStub{memBase: 0x20000000, mem: mem, noJumbo: true, regs: map[int]uint32{}}
	conn := startStub(t, stub)

	buf := make([]byte, 100)
	if _, err := conn.ReadMemory(buf, 0x20000000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, mem[:100]) {
		t.Error("split memory read returned wrong bytes")
	}

	reads := 0
	for _, req := range stub.requests {
		if strings.HasPrefix(req, "m") {
			reads++
		}
	}
	// PacketSize=0x47 allows (0x47-4)/2 = 33 bytes per packet.
	if reads < 3 {
		t.Errorf("expected the 100 byte read to be split across packets, got %d reads", reads)
	}
}

func TestReadRegister(t *testing.T) {
	conn := startStub(t, &fakeStub{regs: map[int]uint32{
		15: 0x100001f4, // pc
		13: 0x20041000, // sp
		16: 0x0100000b, // xpsr, IPSR=11
	}})

	pc, err := conn.ReadRegister("pc")
	if err != nil {
		t.Fatal(err)
	}
	if pc != 0x100001f4 {
		t.Errorf("pc: got %#x", pc)
	}

	// ipsr is served from xpsr on stubs that only describe the latter.
	xpsr, err := conn.ReadRegister("ipsr")
	if err != nil {
		t.Fatal(err)
	}
	if xpsr != 0x0100000b {
		t.Errorf("ipsr via xpsr: got %#x", xpsr)
	}

	if _, err := conn.ReadRegister("fpscr"); err == nil {
		t.Error("expected error for register the target does not describe")
	}
}

func TestWiredecode(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"$abc#", "abc"},
		{"$a{\x03c#", "a#c"}, // escaped '#'
		{"$x* #", "xxxx"},    // run-length: ' ' is 0x20-29 = 3 repeats
		{"$OK#", "OK"},
	} {
		_, msg := wiredecode([]byte(tc.in), nil)
		if string(msg) != tc.want {
			t.Errorf("wiredecode(%q) = %q, want %q", tc.in, string(msg), tc.want)
		}
	}
}

func TestChecksum(t *testing.T) {
	// "$m1000,4#" -> sum of "m1000,4"
	var want uint8
	for _, c := range []byte("m1000,4") {
		want += c
	}
	if got := checksum([]byte("$m1000,4#xx")); got != want {
		t.Errorf("checksum: got %#x want %#x", got, want)
	}
	if !checksumok([]byte("$OK#"), []byte(fmt.Sprintf("%02x", checksum([]byte("$OK#"))))) {
		t.Error("checksumok rejected a valid checksum")
	}
}
