package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/services"
	"github.com/cuemby/burrow/pkg/types"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the worker port pool and which ports are bindable now",
	Long: `List the worker port pool and which ports are bindable now. The pool
comes from worker_ports in the environment file given with -f, overridden
by WORKER_FREE_PORTS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		candidates, err := workerPorts(filename)
		if err != nil {
			return err
		}
		return writePortTable(os.Stdout, candidates, ports.IsPortFree)
	},
}

// workerPorts resolves the pool the same way up does
func workerPorts(filename string) ([]int, error) {
	cfg, err := config.Load(filename)
	if err != nil {
		return nil, err
	}
	if len(cfg.WorkerPorts) == 0 {
		return nil, fmt.Errorf("no worker ports: set %s or worker_ports", ports.WorkerPortsEnv)
	}
	return cfg.WorkerPorts, nil
}

func writePortTable(out io.Writer, candidates []int, free func(int) bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSTATUS")
	for _, p := range candidates {
		status := "free"
		if !free(p) {
			status = "in use"
		}
		fmt.Fprintf(w, "%d\t%s\n", p, status)
	}
	return w.Flush()
}

// catalogEntry is the printable form of a service definition
type catalogEntry struct {
	Capability   types.Capability `yaml:"capability"`
	Image        string           `yaml:"image"`
	Nodes        int              `yaml:"nodes"`
	Ports        []string         `yaml:"ports"`
	Probe        string           `yaml:"probe"`
	ReadyTimeout string           `yaml:"ready_timeout"`
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the services instances can ask for",
	Long: `List every capability with its image, node count, ports and readiness
probe. With -f, overrides from the environment file are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		output, _ := cmd.Flags().GetString("output")

		var overrides map[types.Capability]services.Override
		if filename != "" {
			cfg, err := config.Load(filename)
			if err != nil {
				return err
			}
			overrides = cfg.Services
		}

		var entries []catalogEntry
		for c, def := range services.Catalog() {
			if o, ok := overrides[c]; ok {
				def = o.Apply(def)
			}
			probe := string(def.Probe)
			if probe == "" {
				probe = string(services.ProbeTCP)
			}
			nodes := def.Nodes
			if nodes < 1 {
				nodes = 1
			}
			entries = append(entries, catalogEntry{
				Capability:   c,
				Image:        def.Image,
				Nodes:        nodes,
				Ports:        def.Ports,
				Probe:        probe,
				ReadyTimeout: def.ReadyTimeout.String(),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Capability < entries[j].Capability })

		switch output {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(entries); err != nil {
				return err
			}
			return enc.Close()
		case "", "table":
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CAPABILITY\tIMAGE\tNODES\tPROBE\tTIMEOUT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Capability, e.Image, e.Nodes, e.Probe, e.ReadyTimeout)
			}
			return w.Flush()
		default:
			return fmt.Errorf("unknown output format %q", output)
		}
	},
}

func init() {
	portsCmd.Flags().StringP("file", "f", "", "Environment file with worker_ports")
	servicesCmd.Flags().StringP("file", "f", "", "Environment file with service overrides")
	servicesCmd.Flags().StringP("output", "o", "table", "Output format (table, yaml)")

	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(servicesCmd)
}
