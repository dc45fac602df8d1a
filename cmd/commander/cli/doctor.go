package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/doctor"
	"github.com/falleco/open-commander/internal/session"
	"github.com/falleco/open-commander/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the broker environment",
	Long: `Check the pieces the broker needs: the Docker engine, the session
network, the listen ports and the state directories. Safe to run while
the broker is up; ports held by a running broker are reported, not
treated as failures.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	fmt.Println(ui.Bold("Commander Doctor"))
	fmt.Println()

	reg := doctor.NewRegistry()
	reg.Register(&versionSection{})
	reg.Register(&dockerSection{ctx: cmd.Context()})
	reg.Register(&networkSection{ctx: cmd.Context()})
	reg.Register(&portsSection{})
	reg.Register(&stateSection{})

	for _, section := range reg.Sections() {
		ui.Section(section.Name())
		if err := section.Print(os.Stdout); err != nil {
			fmt.Printf("%s %v\n", ui.FailTag(), err)
		}
		fmt.Println()
	}
	return nil
}

type versionSection struct{}

func (s *versionSection) Name() string { return "Version" }

func (s *versionSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Version:\t%s\n", version)
	fmt.Fprintf(tw, "Platform:\t%s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(tw, "Config dir:\t%s\n", configDirForDisplay())
	return tw.Flush()
}

func configDirForDisplay() string {
	if p := os.Getenv("OC_CONFIG"); p != "" {
		return p + " (OC_CONFIG)"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "unknown"
	}
	return filepath.Join(home, ".commander")
}

type dockerSection struct {
	ctx context.Context
}

func (s *dockerSection) Name() string { return "Docker Engine" }

func (s *dockerSection) Print(w io.Writer) error {
	driver, err := docker.New()
	if err != nil {
		fmt.Fprintf(w, "%s cannot build client: %v\n", ui.FailTag(), err)
		return nil
	}
	defer driver.Close()

	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := driver.Ping(ctx); err != nil {
		fmt.Fprintf(tw, "Engine:\t%s unreachable (%v)\n", ui.FailTag(), err)
		return tw.Flush()
	}
	fmt.Fprintf(tw, "Engine:\t%s reachable\n", ui.OKTag())

	containers, err := driver.List(ctx, session.ContainerPrefix)
	if err != nil {
		fmt.Fprintf(tw, "Sessions:\t%s list failed (%v)\n", ui.WarnTag(), err)
		return tw.Flush()
	}
	running := 0
	for _, c := range containers {
		if c.State == "running" {
			running++
		}
	}
	fmt.Fprintf(tw, "Session containers:\t%d (%d running)\n", len(containers), running)
	fmt.Fprintf(tw, "Image:\t%s\n", cfg.Docker.Image)
	return tw.Flush()
}

type networkSection struct {
	ctx context.Context
}

func (s *networkSection) Name() string { return "Network" }

func (s *networkSection) Print(w io.Writer) error {
	driver, err := docker.New()
	if err != nil {
		fmt.Fprintf(w, "%s cannot build client: %v\n", ui.FailTag(), err)
		return nil
	}
	defer driver.Close()

	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := driver.EnsureNetwork(ctx, cfg.Docker.Network, false); err != nil {
		fmt.Fprintf(tw, "%s:\t%s %v\n", cfg.Docker.Network, ui.FailTag(), err)
	} else {
		fmt.Fprintf(tw, "%s:\t%s present\n", cfg.Docker.Network, ui.OKTag())
	}
	return tw.Flush()
}

type portsSection struct{}

func (s *portsSection) Name() string { return "Ports" }

func (s *portsSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	probe := func(label, addr string) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			// A running broker holds its ports, so this is informational.
			fmt.Fprintf(tw, "%s (%s):\t%s in use (broker running?)\n", label, addr, ui.WarnTag())
			return
		}
		ln.Close()
		fmt.Fprintf(tw, "%s (%s):\t%s free\n", label, addr, ui.OKTag())
	}
	probe("front door", ":"+strconv.Itoa(cfg.Ports.FrontDoor))
	probe("http api", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Ports.HTTP)))
	probe("ws proxy", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Ports.WSProxy)))
	return tw.Flush()
}

type stateSection struct{}

func (s *stateSection) Name() string { return "State" }

func (s *stateSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writableDir(tw, "State root", cfg.Paths.StateRoot, 0o700)
	writableDir(tw, "Workspace root", cfg.Paths.WorkspaceRoot, 0o755)

	dbPath := cfg.DatabasePath()
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Fprintf(tw, "Database:\t%s (%d KiB)\n", dbPath, info.Size()/1024)
	} else if os.IsNotExist(err) {
		fmt.Fprintf(tw, "Database:\tnot created yet (%s)\n", dbPath)
	} else {
		fmt.Fprintf(tw, "Database:\t%s %v\n", ui.FailTag(), err)
	}
	return tw.Flush()
}

func writableDir(tw *tabwriter.Writer, label, dir string, mode os.FileMode) {
	if err := os.MkdirAll(dir, mode); err != nil {
		fmt.Fprintf(tw, "%s:\t%s %v\n", label, ui.FailTag(), err)
		return
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		fmt.Fprintf(tw, "%s:\t%s not writable (%v)\n", label, ui.FailTag(), err)
		return
	}
	f.Close()
	os.Remove(f.Name())
	fmt.Fprintf(tw, "%s:\t%s writable (%s)\n", label, ui.OKTag(), dir)
}
