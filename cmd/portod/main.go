package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/zhoudaqing/porto/pkg/childinit"
	"github.com/zhoudaqing/porto/pkg/cnidelegate"
	"github.com/zhoudaqing/porto/pkg/config"
	"github.com/zhoudaqing/porto/pkg/launcher"
	"github.com/zhoudaqing/porto/pkg/netconfig"
	"github.com/zhoudaqing/porto/pkg/netlinkclient"
	"github.com/zhoudaqing/porto/pkg/netns"
	"github.com/zhoudaqing/porto/pkg/nshandle"
)

const programName = "portod"

// version is set at build time via -ldflags; the teacher carried an
// equivalent pkg/version package for this purpose, folded in here
// since the CRI surface that consumed it elsewhere is gone.
var version = "dev"

// hostRegistry is the process-wide weak-reference namespace cache
// (spec §3/§9): every net-init invocation acquires its target
// namespace through it instead of constructing one directly, so a
// namespace already live for another container in this process is
// shared rather than duplicated.
var hostRegistry = netns.NewRegistry()

func main() {
	app := &cli.App{
		Name:    programName,
		Version: version,
		Usage:   "per-container network provisioning and task-launch daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/portod/portod.conf",
				Usage:   "path to the pattern-matched configuration file",
				EnvVars: []string{"PORTOD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "group-file",
				Value: "/etc/iproute2/group",
				Usage: "path to the iproute2 interface-group name table (not read by any command; the namespace inventory always reads /etc/iproute2/group)",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
		Commands: []*cli.Command{
			netInitCommand,
			runCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	f, err := os.Open(c.String("config"))
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.Parse(f)
}

var netInitCommand = &cli.Command{
	Name:  "net-init",
	Usage: "parse and realize a NetConfig grammar file inside a target namespace",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "netconfig", Required: true, Usage: "path to the NetConfig grammar file"},
		&cli.IntFlag{Name: "pid", Required: true, Usage: "pid whose netns the config is realized into"},
		&cli.IntFlag{Name: "container-id", Value: 0},
		&cli.StringFlag{Name: "hostname", Value: mustHostname()},
		&cli.StringFlag{Name: "cni-conf-dir", Usage: "directory of CNI .conf/.conflist files; required for `cni <name>` entries"},
		&cli.StringSliceFlag{Name: "cni-bin-dir", Usage: "directories to search for CNI plugin binaries"},
		&cli.StringFlag{Name: "cni-cache-dir", Value: "/var/lib/cni/cache", Usage: "CNI result cache directory"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		f, err := os.Open(c.String("netconfig"))
		if err != nil {
			return err
		}
		defer f.Close()
		entries, err := netconfig.Parse(f)
		if err != nil {
			return err
		}

		targetNs, err := nshandle.OpenFromTid(c.Int("pid"), nshandle.Net)
		if err != nil {
			return err
		}
		defer targetNs.Close()

		hostClient, hostRelease, err := netlinkclient.Connect(-1)
		if err != nil {
			return err
		}
		defer hostRelease()

		nsClient, nsRelease, err := netlinkclient.Connect(targetNs.Fd())
		if err != nil {
			return err
		}
		// nsRelease's ownership passes to the NetworkNamespace below;
		// hostRegistry.Release runs it once the namespace's refcount
		// reaches zero, instead of a plain defer here.

		inode, err := targetNs.Inode()
		if err != nil {
			return err
		}
		ns, err := hostRegistry.Acquire(inode, func() (*netns.NetworkNamespace, error) {
			return netns.New(inode, false, nsClient, nsRelease, cfg)
		})
		if err != nil {
			nsRelease()
			return err
		}
		defer hostRegistry.Release(inode)
		if ns.Client() != nsClient {
			// Another caller in this process already owns inode's
			// namespace; our freshly opened socket is redundant.
			nsRelease()
		}

		var cniDelegate *cnidelegate.Delegate
		if dir := c.String("cni-conf-dir"); dir != "" {
			cniDelegate = cnidelegate.New(dir, c.StringSlice("cni-bin-dir"), c.String("cni-cache-dir"))
		}

		var seq uint32
		res, err := netconfig.Realize(entries, netconfig.Context{
			Hostname:    c.String("hostname"),
			ContainerID: c.Int("container-id"),
			NextSeq:     func() uint32 { seq++; return seq },
			HostClient:  hostClient,
			NSClient:    ns.Client(),
			NSFd:        targetNs.Fd(),
			NetNS:       ns,
			CNI:         cniDelegate,
			NetnsPath:   fmt.Sprintf("/proc/%d/ns/net", c.Int("pid")),
		})
		if err != nil {
			return err
		}

		if err := ns.RefreshAndPrepare(); err != nil {
			return err
		}

		managed := 0
		for _, d := range ns.Inventory().All() {
			if d.Managed {
				managed++
			}
		}
		logrus.Infof("realized %d interfaces (autoconf: %s, nat: %v); %d devices now managed",
			len(res.Interfaces), strings.Join(res.Autoconf, ","), res.NAT, managed)
		return nil
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "launch a task through the fork/clone choreography (§4.7)",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "cmd", Usage: "command line to split and exec, porto TTaskEnv-style (mutually exclusive with positional argv)"},
		&cli.StringSliceFlag{Name: "env"},
		&cli.StringFlag{Name: "cwd", Value: "/"},
		&cli.StringFlag{Name: "root", Usage: "rootfs to chroot into; empty means none"},
		&cli.BoolFlag{Name: "isolate", Usage: "new pid+ipc namespaces"},
		&cli.BoolFlag{Name: "new-mount-ns"},
		&cli.StringFlag{Name: "hostname"},
		&cli.IntFlag{Name: "uid"},
		&cli.IntFlag{Name: "gid"},
		&cli.Int64Flag{Name: "start-timeout-ms", Value: 30000},
	},
	Action: func(c *cli.Context) error {
		var argv []string
		if cmd := c.String("cmd"); cmd != "" {
			split, err := childinit.SplitCommand(cmd)
			if err != nil {
				return err
			}
			argv = split
		} else if c.NArg() > 0 {
			argv = c.Args().Slice()
		} else {
			return fmt.Errorf("usage: %s run --cmd \"<command line>\" | [flags] -- <argv0> [args...]", programName)
		}

		childCfg := &childinit.Config{
			Root:       c.String("root"),
			NewMountNS: c.Bool("new-mount-ns"),
			Hostname:   c.String("hostname"),
			Cwd:        c.String("cwd"),
			Credential: &syscall.Credential{Uid: uint32(c.Int("uid")), Gid: uint32(c.Int("gid"))},
			Stdin:      os.Stdin,
			Stdout:     os.Stdout,
			Stderr:     os.Stderr,
		}

		params := &launcher.Params{
			Argv:         argv,
			Env:          append(os.Environ(), c.StringSlice("env")...),
			Root:         c.String("root"),
			Isolate:      c.Bool("isolate"),
			NewMountNS:   c.Bool("new-mount-ns"),
			Hostname:     c.String("hostname"),
			Namespaces:   launcher.NamespaceFds{IPC: -1, UTS: -1, Net: -1, PID: -1, Mnt: -1},
			Stdin:        os.Stdin,
			Stdout:       os.Stdout,
			Stderr:       os.Stderr,
			Configure:    childCfg.Configure,
			StartTimeout: time.Duration(c.Int64("start-timeout-ms")) * time.Millisecond,
		}

		res, err := launcher.Start(params)
		if err != nil {
			if res != nil && res.Err != nil {
				logrus.Errorf("launch failed: %v", res.Err)
			}
			return err
		}
		logrus.Infof("launched: WPid=%d VPid=%d", res.WPid, res.VPid)
		return nil
	},
}

func mustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
