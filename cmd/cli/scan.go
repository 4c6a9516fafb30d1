package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/okvist/portsweep/internal/config"
	"github.com/okvist/portsweep/internal/history"
	"github.com/okvist/portsweep/internal/portseq"
	"github.com/okvist/portsweep/internal/resolve"
	"github.com/okvist/portsweep/internal/scanning"
)

var (
	scanAddresses    string
	scanPorts        string
	scanRange        string
	scanExcludePorts string
	scanRandomOrder  bool
	scanBatchSize    int
	scanTimeoutMS    int
	scanTries        int
	scanUDP          bool
	scanGreppable    bool
	scanStore        bool
	scanNameserver   string
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan targets for open ports",
	Long: `Scan the given targets for open ports over TCP or UDP.

Targets are a comma-separated list of IP addresses, CIDR networks, and
hostnames. Without a port selection the full range 1-65535 is scanned.
Probes run in bounded batches so the scan never exceeds the configured
concurrency ceiling.`,
	Example: `  portsweep scan --addresses 192.168.1.10
  portsweep scan -a "192.168.1.0/24,scanme.example.org" -p 22,80,443
  portsweep scan -a 10.0.0.1 -r 1-1024 --exclude-ports 135-139
  portsweep scan -a 10.0.0.1 --udp --timeout 2500
  portsweep scan -a 10.0.0.1 -g --random-order`,
	Run: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanAddresses, "addresses", "a", "",
		"Comma-separated targets: IPs, CIDR networks, hostnames")
	scanCmd.Flags().StringVarP(&scanPorts, "ports", "p", "",
		"Ports to scan, e.g. '22,80,443'")
	scanCmd.Flags().StringVarP(&scanRange, "range", "r", "",
		"Port range to scan, e.g. '1-1024'")
	scanCmd.Flags().StringVarP(&scanExcludePorts, "exclude-ports", "x", "",
		"Ports excluded from the scan, e.g. '9100' or '135-139'")
	scanCmd.Flags().BoolVar(&scanRandomOrder, "random-order", false,
		"Probe ports in random order instead of ascending")
	scanCmd.Flags().IntVarP(&scanBatchSize, "batch-size", "b", 0,
		"Maximum probes in flight at once (default from config)")
	scanCmd.Flags().IntVarP(&scanTimeoutMS, "timeout", "t", 0,
		"Per-attempt timeout in milliseconds (default from config)")
	scanCmd.Flags().IntVar(&scanTries, "tries", -1,
		"Re-attempts after a timed-out probe (default from config)")
	scanCmd.Flags().BoolVar(&scanUDP, "udp", false, "Probe over UDP instead of TCP")
	scanCmd.Flags().BoolVarP(&scanGreppable, "greppable", "g", false,
		"Emit one parseable line per host instead of tables")
	scanCmd.Flags().BoolVar(&scanStore, "store", false,
		"Store the completed run in the history database")
	scanCmd.Flags().StringVar(&scanNameserver, "nameserver", "",
		"Nameserver for hostname resolution (host:port)")

	scanCmd.MarkFlagsMutuallyExclusive("ports", "range")
}

func runScan(cmd *cobra.Command, args []string) {
	if scanAddresses == "" {
		fmt.Fprintf(os.Stderr, "Error: --addresses must be specified\n\n")
		_ = cmd.Help()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyScanFlags(cmd.Flags(), cfg)

	ports, err := buildPortSequence(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid port selection: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := resolve.New(resolve.Config{
		Nameserver:   cfg.Resolver.Nameserver,
		Timeout:      cfg.Resolver.Timeout,
		MaxCIDRHosts: cfg.Resolver.MaxCIDRHosts,
	})
	targets, err := resolver.Targets(ctx, scanAddresses)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving targets: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Scanning %d targets across %d ports\n",
			len(targets), len(ports))
	}

	engineConfig := scanning.Config{
		BatchSize: cfg.Scanning.BatchSize,
		Timeout:   cfg.Scanning.Timeout,
		Retries:   cfg.Scanning.Retries,
		Transport: transportFromConfig(cfg),
	}

	opts := []scanning.Option{}
	if !scanGreppable {
		opts = append(opts, scanning.WithProgress(&liveSink{verbose: verbose}))
	}

	engine, err := scanning.NewEngine(engineConfig, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if verbose && engine.BatchSize() < engineConfig.BatchSize {
		fmt.Fprintf(os.Stderr, "Note: batch size lowered to %d to fit the open file limit\n",
			engine.BatchSize())
	}

	result, err := engine.Run(ctx, targets, ports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		os.Exit(1)
	}

	if scanGreppable {
		displayGreppable(result)
	} else {
		displayResultTable(result)
	}
	printDiagnosticGuidance(engine, result)

	if scanStore {
		storeRun(cfg, string(engineConfig.Transport), result)
	}
}

// applyScanFlags overrides file configuration with explicitly set flags.
func applyScanFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("batch-size") {
		cfg.Scanning.BatchSize = scanBatchSize
	}
	if flags.Changed("timeout") {
		cfg.Scanning.Timeout = time.Duration(scanTimeoutMS) * time.Millisecond
	}
	if flags.Changed("tries") {
		cfg.Scanning.Retries = scanTries
	}
	if scanUDP {
		cfg.Scanning.Transport = "udp"
	}
	if flags.Changed("exclude-ports") {
		cfg.Scanning.ExcludePorts = scanExcludePorts
	}
	if scanRandomOrder {
		cfg.Scanning.RandomOrder = true
	}
	if flags.Changed("nameserver") {
		cfg.Resolver.Nameserver = scanNameserver
	}
}

// buildPortSequence turns the port flags and configuration into the final
// probe sequence.
func buildPortSequence(cfg *config.Config) ([]uint16, error) {
	expr := scanPorts
	if expr == "" {
		expr = scanRange
	}
	if expr == "" {
		expr = cfg.Scanning.Ports
	}

	spec, err := portseq.Parse(expr)
	if err != nil {
		return nil, err
	}

	if cfg.Scanning.ExcludePorts != "" {
		exclude, err := portseq.ParseList(cfg.Scanning.ExcludePorts)
		if err != nil {
			return nil, err
		}
		spec = spec.WithExclude(exclude)
	}

	if cfg.Scanning.RandomOrder {
		spec = spec.WithOrder(portseq.OrderRandom)
	}

	return portseq.Sequence(spec)
}

func transportFromConfig(cfg *config.Config) scanning.Transport {
	if cfg.Scanning.Transport == "udp" {
		return scanning.TransportUDP
	}
	return scanning.TransportTCP
}

// liveSink prints open ports as they are found.
type liveSink struct {
	verbose bool
}

func (s *liveSink) PortOpen(target net.IP, port uint16) {
	fmt.Printf("Open %s\n", net.JoinHostPort(target.String(), strconv.Itoa(int(port))))
}

func (s *liveSink) BatchSettled(batch, totalBatches, attempted int) {
	if s.verbose {
		fmt.Fprintf(os.Stderr, "Batch %d/%d settled (%d probes)\n",
			batch, totalBatches, attempted)
	}
}

// displayResultTable renders the scan outcome as a table plus a summary.
func displayResultTable(result *scanning.Result) {
	hosts := result.Hosts()
	if len(hosts) == 0 {
		fmt.Println("\nNo open ports found.")
	} else {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Host", "Open Ports")
		for _, host := range hosts {
			_ = table.Append([]string{host.Address.String(), formatPorts(host.OpenPorts)})
		}
		_ = table.Render()
	}

	fmt.Printf("\nScan completed in %v\n", result.Duration.Truncate(time.Millisecond))
	fmt.Printf("Probes: %d (%d retries), open: %d\n",
		result.Diagnostics.Attempts, result.Diagnostics.Retries, result.TotalOpen())
}

// displayGreppable emits one line per host with open ports, matching the
// format "host -> [p1,p2]".
func displayGreppable(result *scanning.Result) {
	for _, host := range result.Hosts() {
		fmt.Printf("%s -> [%s]\n", host.Address.String(), formatPorts(host.OpenPorts))
	}
}

func formatPorts(ports []uint16) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(int(p)))
	}
	return strings.Join(parts, ",")
}

// printDiagnosticGuidance surfaces local resource problems with a concrete
// suggestion, since exhausted descriptors silently depress open counts.
func printDiagnosticGuidance(engine *scanning.Engine, result *scanning.Result) {
	if result.Diagnostics.ResourceExhausted == 0 {
		return
	}
	fmt.Fprintf(os.Stderr,
		"Warning: %d probes failed on local resource limits. "+
			"Lower the batch size (current: %d) or raise the open file limit.\n",
		result.Diagnostics.ResourceExhausted, engine.BatchSize())
}

// storeRun persists the completed run. Storage problems are reported but do
// not fail the scan.
func storeRun(cfg *config.Config, transport string, result *scanning.Result) {
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr,
			"Warning: --store requested but history is disabled in the configuration")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := history.Connect(ctx, &cfg.History.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not store run: %v\n", err)
		return
	}
	defer func() { _ = db.Close() }()

	store := history.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not store run: %v\n", err)
		return
	}
	if err := store.SaveRun(ctx, transport, result); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not store run: %v\n", err)
		return
	}

	fmt.Fprintf(os.Stderr, "Run %s stored.\n", result.RunID)
}
