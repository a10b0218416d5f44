// Package gdbwire implements the subset of the GDB remote serial protocol
// needed to inspect a halted embedded target through a gdb stub such as
// OpenOCD or pyOCD. Only read operations are exposed: the RTOS provider
// never writes target memory or registers.
//
// The details of the wire protocol are described here:
//
//	https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
package gdbwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/trykernel/tkdbg/pkg/logflags"
	"github.com/trykernel/tkdbg/pkg/target"
)

// Conn is a connection to a gdb stub. It implements target.Target.
type Conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int            // maximum packet size supported by stub
	regsInfo   []registerInfo // list of registers

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read
	halted              bool // last stop state reported by the stub

	log *logrus.Entry
}

// ErrTooManyAttempts is returned when the stub keeps responding with bad
// checksums.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error response (Exx) of the Gdb Remote Serial
// Protocol or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	gdberr, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	return gdberr.code == ""
}

const gdbWireMaxLen = 120

// Dial connects to the gdb stub at addr and performs the protocol
// handshake. The target must already be halted; Dial queries the stop state
// but does not interrupt a running target.
func Dial(addr string) (*Conn, error) {
	netconn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(netconn)
}

func newConn(netconn net.Conn) (*Conn, error) {
	conn := &Conn{
		conn:                netconn,
		inbuf:               make([]byte, 0, 2048),
		maxTransmitAttempts: 3,
		log:                 logflags.GdbWireLogger(),
	}
	if err := conn.handshake(); err != nil {
		netconn.Close()
		return nil, err
	}
	return conn, nil
}

// Close shuts the connection down.
func (conn *Conn) Close() error {
	return conn.conn.Close()
}

func (conn *Conn) handshake() error {
	conn.ack = true
	conn.packetSize = 256
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	conn.disableAck()

	if _, err := conn.qSupported(); err != nil {
		return err
	}

	// Attempt to figure out the names of the target registers. We either
	// need qXfer:features:read (gdbserver/OpenOCD) or qRegisterInfo
	// (lldb-style stubs); for stubs that support neither we assume the
	// plain ARM m-profile register file.
	if err := conn.readTargetXml(); err != nil {
		if !isProtocolErrorUnsupported(err) {
			return err
		}
		if err := conn.readRegisterInfo(); err != nil {
			if !isProtocolErrorUnsupported(err) {
				return err
			}
			conn.regsInfo = armMProfileRegisters()
		}
	}

	return conn.queryStopState()
}

const qSupportedCmd = "$qSupported:swbreak+;hwbreak+;no-resumed+"

// qSupported interprets qSupported responses.
func (conn *Conn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte(qSupportedCmd), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *Conn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// gdbTarget is a struct type used to parse target.xml. Stubs emit <reg>
// elements either at the top level of an annex or wrapped in <feature>
// elements; both forms are accepted.
type gdbTarget struct {
	Includes  []gdbTargetInclude `xml:"xi include"`
	Registers []registerInfo     `xml:"reg"`
	Features  []gdbFeature       `xml:"feature"`
}

type gdbFeature struct {
	Registers []registerInfo `xml:"reg"`
}

type gdbTargetInclude struct {
	Href string `xml:"href,attr"`
}

type registerInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Regnum  int    `xml:"regnum,attr"`
}

// readTargetXml reads the target.xml file from the stub using
// qXfer:features:read, then parses it requesting any additional files.
// The schema of target.xml is described by:
//
//	https://github.com/bminor/binutils-gdb/blob/master/gdb/features/gdb-target.dtd
func (conn *Conn) readTargetXml() (err error) {
	conn.regsInfo, err = conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	regnum := 0
	for i := range conn.regsInfo {
		if conn.regsInfo[i].Regnum == 0 {
			conn.regsInfo[i].Regnum = regnum
		} else {
			regnum = conn.regsInfo[i].Regnum
		}
		regnum++
	}
	return conn.checkRegisterNames()
}

// readRegisterInfo uses qRegisterInfo to read register information (used
// when qXfer:features:read is not supported).
func (conn *Conn) readRegisterInfo() (err error) {
	regnum := 0
	for {
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$qRegisterInfo%x", regnum)
		respbytes, err := conn.exec(conn.outbuf.Bytes(), "register info")
		if err != nil {
			if regnum == 0 {
				return err
			}
			break
		}

		var regname string
		var bitsize int
		var contained bool

		resp := string(respbytes)
		for {
			semicolon := strings.Index(resp, ";")
			keyval := resp
			if semicolon >= 0 {
				keyval = resp[:semicolon]
			}

			colon := strings.Index(keyval, ":")
			if colon >= 0 {
				name := keyval[:colon]
				value := keyval[colon+1:]

				switch name {
				case "name":
					regname = value
				case "bitsize":
					bitsize, _ = strconv.Atoi(value)
				case "container-regs":
					contained = true
				}
			}

			if semicolon < 0 {
				break
			}
			resp = resp[semicolon+1:]
		}

		if !contained {
			conn.regsInfo = append(conn.regsInfo, registerInfo{Regnum: regnum, Name: regname, Bitsize: bitsize})
		}

		regnum++
	}

	return conn.checkRegisterNames()
}

func (conn *Conn) checkRegisterNames() error {
	var pcFound, spFound bool
	for i := range conn.regsInfo {
		switch strings.ToLower(conn.regsInfo[i].Name) {
		case "pc":
			pcFound = true
		case "sp":
			spFound = true
		}
	}
	if !pcFound {
		return errors.New("could not find PC register")
	}
	if !spFound {
		return errors.New("could not find SP register")
	}
	return nil
}

// armMProfileRegisters is the org.gnu.gdb.arm.m-profile register file,
// the default layout for stubs that describe no registers themselves.
func armMProfileRegisters() []registerInfo {
	regs := make([]registerInfo, 0, 17)
	for i := 0; i < 13; i++ {
		regs = append(regs, registerInfo{Name: fmt.Sprintf("r%d", i), Bitsize: 32, Regnum: i})
	}
	regs = append(regs,
		registerInfo{Name: "sp", Bitsize: 32, Regnum: 13},
		registerInfo{Name: "lr", Bitsize: 32, Regnum: 14},
		registerInfo{Name: "pc", Bitsize: 32, Regnum: 15},
		registerInfo{Name: "xpsr", Bitsize: 32, Regnum: 16})
	return regs
}

func (conn *Conn) readAnnex(annex string) ([]registerInfo, error) {
	tgtbuf, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt gdbTarget
	if err := xml.Unmarshal(tgtbuf, &tgt); err != nil {
		return nil, err
	}

	for _, feat := range tgt.Features {
		tgt.Registers = append(tgt.Registers, feat.Registers...)
	}
	for _, incl := range tgt.Includes {
		regs, err := conn.readAnnex(incl.Href)
		if err != nil {
			return nil, err
		}
		tgt.Registers = append(tgt.Registers, regs...)
	}
	return tgt.Registers, nil
}

// qXfer executes a 'qXfer' read with the specified kind (i.e. features,
// exec-file, etc...) and annex.
func (conn *Conn) qXfer(kind, annex string) ([]byte, error) {
	out := []byte{}
	for {
		cmd := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,fff", kind, annex, len(out)))
		err := conn.send(cmd)
		if err != nil {
			return nil, err
		}
		buf, err := conn.recv(cmd, "target features transfer")
		if err != nil {
			return nil, err
		}

		out = append(out, buf[1:]...)
		if buf[0] == 'l' {
			break
		}
	}
	return out, nil
}

// queryStopState executes a '?' (stop reason) command to learn whether the
// target is halted.
func (conn *Conn) queryStopState() error {
	resp, err := conn.exec([]byte("$?"), "stop state")
	if err != nil {
		return err
	}
	switch resp[0] {
	case 'T', 'S':
		conn.halted = true
	case 'W', 'X':
		return fmt.Errorf("target process no longer exists: %s", string(resp))
	default:
		conn.halted = false
	}
	return nil
}

// Halted implements target.Target. The stop state is refreshed from the
// stub on every call; a stub serving a running core answers '?' with a
// non-stop reply or not at all.
func (conn *Conn) Halted() (bool, error) {
	if err := conn.queryStopState(); err != nil {
		return false, err
	}
	return conn.halted, nil
}

// ReadMemory executes one or more 'm' (read memory) commands.
func (conn *Conn) ReadMemory(data []byte, addr uint64) (int, error) {
	if !conn.halted {
		return 0, target.ErrTargetRunning
	}
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return len(data), err
		}
		if len(resp) < sz*2 {
			return len(data), fmt.Errorf("short read at %#x: asked %d bytes got %d", addr, sz, len(resp)/2)
		}

		for i := 0; i < len(resp); i += 2 {
			n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			data = append(data, uint8(n))
		}
	}
	return len(data), nil
}

// ReadRegister executes a 'p' (read register) command for the named
// register. Values are returned in target byte order as an integer.
func (conn *Conn) ReadRegister(name string) (uint64, error) {
	if !conn.halted {
		return 0, target.ErrTargetRunning
	}
	reg := conn.lookupRegister(name)
	if reg == nil {
		return 0, fmt.Errorf("target does not describe register %q", name)
	}

	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$p%x", reg.Regnum)
	resp, err := conn.exec(conn.outbuf.Bytes(), "register read")
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 8)
	for i := 0; i < len(resp) && i < 16; i += 2 {
		n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		buf[i/2] = uint8(n)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (conn *Conn) lookupRegister(name string) *registerInfo {
	name = strings.ToLower(name)
	for i := range conn.regsInfo {
		if strings.ToLower(conn.regsInfo[i].Name) == name {
			return &conn.regsInfo[i]
		}
	}
	// ipsr/epsr are views of xpsr on stubs that only describe the latter.
	if name == "ipsr" || name == "epsr" || name == "apsr" {
		return conn.lookupRegister("xpsr")
	}
	return nil
}

// exec executes a message to the stub and reads a response.
func (conn *Conn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *Conn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *Conn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		_, err = conn.rdr.Read(conn.inbuf[:2])
		if err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			partial := false
			if idx := bytes.Index(out, []byte{'\n'}); idx >= 0 {
				out = resp[:idx]
				partial = true
			}
			if len(out) > gdbWireMaxLen {
				out = out[:gdbWireMaxLen]
				partial = true
			}
			if !partial {
				conn.log.Debugf("-> %s%s", string(resp), string(conn.inbuf[:2]))
			} else {
				conn.log.Debugf("-> %s...", string(out))
			}
		}

		if !conn.ack {
			break
		}

		if resp[0] == '%' {
			// If the first character is a % (instead of $) the stub sent us a
			// notification packet, this is weird since we specifically claimed that
			// we don't support notifications of any kind, but it should be safe to
			// ignore regardless.
			continue
		}

		if checksumok(resp, conn.inbuf[:2]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || resp[0] == 'E' {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *Conn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %c", b)
	return b == '+'
}

// sendack sends an ack character, c must be either '+' or '-'
func (conn *Conn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %c", c)
}

// escapeXor is the value mandated by the specification to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '{': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case ':':
			buf = append(buf, ch)
			if i == 3 {
				// we just read the sequence identifier
				start = i + 1
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
