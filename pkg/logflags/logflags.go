package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var rtos = false
var gdbWire = false
var symbols = false

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	lg := logrus.New()
	lg.Level = logrus.DebugLevel
	if !flag {
		lg.Level = logrus.PanicLevel
	}
	if logOut != nil {
		lg.Out = logOut
	}
	if f, ok := lg.Out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		lg.Formatter = &logrus.TextFormatter{ForceColors: true}
		lg.Out = colorable.NewColorable(f)
	}
	return lg.WithFields(fields)
}

// RTOS returns true if the rtos provider should log.
func RTOS() bool {
	return rtos
}

// RTOSLogger returns a logger for the rtos provider.
func RTOSLogger() *logrus.Entry {
	return makeLogger(rtos, logrus.Fields{"layer": "rtos"})
}

// GdbWire returns true if the gdbwire package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdbwire protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// Symbols returns true if the elfsym package should log symbol resolution.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the elfsym package.
func SymbolsLogger() *logrus.Entry {
	return makeLogger(symbols, logrus.Fields{"layer": "symbols"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "rtos"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "rtos":
			rtos = true
		case "gdbwire":
			gdbWire = true
		case "symbols":
			symbols = true
		}
	}
	return nil
}

// SetOutput redirects all loggers created by this package to w.
func SetOutput(w io.Writer) {
	logOut = w
}
