package cmds

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/trykernel/tkdbg/pkg/config"
	"github.com/trykernel/tkdbg/pkg/elfsym"
	"github.com/trykernel/tkdbg/pkg/logflags"
	"github.com/trykernel/tkdbg/pkg/rtos"
	"github.com/trykernel/tkdbg/pkg/rtos/trykernel"
	"github.com/trykernel/tkdbg/pkg/target/gdbwire"
	"github.com/trykernel/tkdbg/pkg/version"
)

var (
	// connectAddr is the address of the remote gdb stub.
	connectAddr string
	// elfPath is the firmware image used for symbol resolution.
	elfPath string
	// kernelVersion selects the TCB layout descriptor.
	kernelVersion string
	// maxTasks overrides the registry size from the image.
	maxTasks int
	// logFlag is whether to log debug statements.
	logFlag bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string

	conf *config.Config
)

const tkdbgLongDesc = `tkdbg inspects the tasks of a TryKernel target through a remote gdb stub.

It connects to an OpenOCD or pyOCD gdbserver attached to a halted target,
walks the kernel's task registry in target memory and presents every task
as a thread, including the saved register context of tasks that are not
currently executing.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "tkdbg",
		Short: "tkdbg is a TryKernel task inspector for remote debugging.",
		Long:  tkdbgLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(logFlag, logOutput)
		},
	}
	addTargetFlags(rootCommand.PersistentFlags())

	threadsCommand := &cobra.Command{
		Use:   "threads",
		Short: "List the tasks of the halted target as threads.",
		Long: `Walks the kernel task registry and prints one row per task, with the
running task marked. The row carries the task state, priority, remaining
timeout of a finite wait, and the program location when the image resolves it.`,
		RunE: threadsCmd,
	}
	rootCommand.AddCommand(threadsCommand)

	registersCommand := &cobra.Command{
		Use:   "registers <thread-id>",
		Short: "Print the register set of one thread.",
		Long: `Prints the registers of the given thread id as listed by 'tkdbg threads'.
For the running task these are the live CPU registers; for every other task
they are reconstructed from the frame saved on the task's stack.`,
		Args: cobra.ExactArgs(1),
		RunE: registersCmd,
	}
	rootCommand.AddCommand(registersCommand)

	symbolsCommand := &cobra.Command{
		Use:   "symbols [prefix]",
		Short: "List symbols of the firmware image.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  symbolsCmd,
	}
	rootCommand.AddCommand(symbolsCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tkdbg %s\n%s\n", version.TkdbgVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addTargetFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&connectAddr, "connect", "c", "", "Address of the gdb stub to connect to.")
	fs.StringVar(&elfPath, "elf", "", "Firmware ELF image for symbol resolution.")
	fs.StringVar(&kernelVersion, "kernel-version", "", "TryKernel TCB layout version (default: latest).")
	fs.IntVar(&maxTasks, "max-tasks", 0, "Override the task registry size read from the image.")
	fs.BoolVar(&logFlag, "log", false, "Enable debug logging.")
	fs.StringVar(&logOutput, "log-output", "", "Comma separated list of components that should produce debug output (rtos,gdbwire,symbols).")
}

// buildCatalog connects to the stub, loads the image symbols and activates
// the provider. The returned closer shuts the stub connection down.
func buildCatalog() (*trykernel.Catalog, func(), error) {
	addr := connectAddr
	if addr == "" {
		addr = conf.ConnectAddr
	}
	if addr == "" {
		return nil, nil, fmt.Errorf("no gdb stub address: pass --connect or set connect-addr in the config file")
	}
	elf := elfPath
	if elf == "" {
		elf = conf.ELFPath
	}
	if elf == "" {
		return nil, nil, fmt.Errorf("no firmware image: pass --elf or set elf-path in the config file")
	}
	kv := kernelVersion
	if kv == "" {
		kv = conf.KernelVersion
	}
	mt := maxTasks
	if mt == 0 && conf.MaxTasks != nil {
		mt = *conf.MaxTasks
	}

	syms, err := elfsym.Load(elf)
	if err != nil {
		return nil, nil, err
	}

	conn, err := gdbwire.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to %s: %v", addr, err)
	}

	cat, err := trykernel.New(conn, syms, trykernel.Config{
		KernelVersion: kv,
		MaxTasks:      mt,
		Describe:      syms.Describe,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return cat, func() { conn.Close() }, nil
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	cat, closer, err := buildCatalog()
	if err != nil {
		return err
	}
	defer closer()

	threads, err := cat.ListThreads()
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("no tasks (kernel not started?)")
		return nil
	}
	for _, th := range threads {
		mark := " "
		if th.State == rtos.Running && th.ID != rtos.HandlerThreadID {
			mark = "*"
		}
		fmt.Printf("%s %#010x %s\n", mark, th.ID, cat.Label(th))
	}
	return nil
}

func registersCmd(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid thread id %q", args[0])
	}

	cat, closer, err := buildCatalog()
	if err != nil {
		return err
	}
	defer closer()

	regs, err := cat.Registers(id)
	if err != nil {
		return err
	}
	for _, reg := range regs.Regs {
		fmt.Printf("%6s = %s\n", reg.Name, reg.Text)
	}
	return nil
}

func symbolsCmd(cmd *cobra.Command, args []string) error {
	elf := elfPath
	if elf == "" {
		elf = conf.ELFPath
	}
	if elf == "" {
		return fmt.Errorf("no firmware image: pass --elf or set elf-path in the config file")
	}
	syms, err := elfsym.Load(elf)
	if err != nil {
		return err
	}

	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	names := syms.Complete(prefix)
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "no matching symbols")
		return nil
	}
	for _, name := range names {
		addr, _ := syms.ResolveSymbol(name)
		fmt.Printf("%#010x %s\n", addr, name)
	}
	return nil
}
