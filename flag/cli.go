package flag

import (
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
)

// CLI is the root of the command line.
type CLI struct {
	LogLevel  string `name:"log-level" default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat string `name:"log-format" default:"text" enum:"text,json" help:"Log format."`

	Boot         BootCMD         `cmd:"" help:"Boot a VM."`
	Incoming     IncomingCMD     `cmd:"" help:"Create a VM from an incoming live migration."`
	Restore      RestoreCMD      `cmd:"" help:"Create a VM from a snapshot file."`
	Ctl          CtlCMD          `cmd:"" help:"Control a running VM."`
	Probe        ProbeCMD        `cmd:"" help:"Report the KVM capabilities of this host."`
	VhostUserNet VhostUserNetCMD `cmd:"" name:"vhost-user-net" help:"Serve a tap interface as a vhost-user-net backend."`
}

// VMFlags describe the VM shared by boot, incoming and restore. A VM that
// receives its state has to be created with the same vcpus, memory and
// devices as the source.
type VMFlags struct {
	Dev     string   `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
	Name    string   `default:"vm" help:"VM name used in logs."`
	NCPUs   int      `short:"c" name:"cpus" default:"1" help:"Number of vcpus."`
	MemSize Size     `short:"m" name:"memory" default:"512M" help:"Guest RAM size."`
	Devices []Device `short:"d" name:"device" sep:"none" help:"PCI device as type=...,id=...; repeatable."`

	APISocket    string        `short:"s" name:"api-socket" help:"Serve the control API on this unix socket."`
	MetricsAddr  string        `name:"metrics-addr" help:"Serve prometheus metrics on this address."`
	PauseTimeout time.Duration `name:"pause-timeout" default:"5s" help:"How long pausing may take before the VM is shut down."`

	ReconnectAttempts int  `name:"vhost-user-reconnect" default:"5" help:"Reconnect attempts after a vhost-user backend went away."`
	Trace             bool `help:"Log every vcpu exit with the instruction at RIP."`
}

// Parse runs the command selected by args.
func Parse(args []string) error {
	c := CLI{}

	parser, err := kong.New(&c,
		kong.Name("govmm"),
		kong.Description("govmm is a small KVM virtual machine monitor with live migration"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	log, err := c.logger()
	if err != nil {
		return err
	}

	return ctx.Run(log)
}

func (c *CLI) logger() (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	log.SetLevel(level)

	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log, nil
}
