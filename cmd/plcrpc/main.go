// Command plcrpc is the operator client of the PLC RPC bridge.
//
//	plcrpc [-config file] [-address host:port] [-plc id] <command> [flags]
//
// Commands: register, read, set, watch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"plcrpc/internal/config"
	"plcrpc/internal/logging"
	"plcrpc/internal/modbus"
	"plcrpc/internal/model"
	"plcrpc/internal/output"
	"plcrpc/pkg/plcrpc"
)

func main() {
	var (
		configPath string
		address    string
		plcID      string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (client section)")
	flag.StringVar(&address, "address", "", "Server address, overrides client.address")
	flag.StringVar(&plcID, "plc", "", "PLC id, overrides client.plc")
	flag.BoolVar(&verbose, "v", false, "Log connection attempts")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if address != "" {
		cfg.Client.Address = address
	}
	if plcID != "" {
		cfg.Client.PLC = plcID
	}
	if cfg.Client.PLC == "" {
		fatalf("no plc given: use -plc or client.plc")
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, level, "console")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Client, logger, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatalf("%s: %v", flag.Arg(0), err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: plcrpc [flags] <command> [command flags]

commands:
  register                      register the PLC and print its slave id
  read [-json|-csv] [-o file]   print the sensor snapshot
  set -fc N -address A -values v1,v2,...
                                write values through a function code
  watch [-interval d] [-count n]
                                print sensor changes until interrupted

flags:
`)
	flag.PrintDefaults()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "plcrpc: "+format+"\n", args...)
	os.Exit(1)
}

func run(ctx context.Context, cc config.ClientConfig, logger zerolog.Logger, cmd string, args []string) error {
	client, err := plcrpc.Dial(ctx, cc.Address, cc.PLC,
		plcrpc.WithBackoff(cc.Retry.InitialInterval, cc.Retry.MaxInterval, cc.Retry.MaxElapsedTime),
		plcrpc.WithConnectTimeout(cc.ConnectTimeout),
		plcrpc.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd {
	case "register":
		return register(ctx, client)
	case "read":
		return read(ctx, client, args)
	case "set":
		return set(ctx, client, args)
	case "watch":
		return watch(ctx, client, args)
	default:
		return errors.New("unknown command")
	}
}

func register(ctx context.Context, c *plcrpc.Client) error {
	slaveID, err := c.RegisterPLC(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s registered, slave id %d\n", c.PLC(), slaveID)
	return nil
}

func read(ctx context.Context, c *plcrpc.Client, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Print JSON")
	asCSV := fs.Bool("csv", false, "Print CSV")
	outPath := fs.String("o", "", "Write to file instead of stdout; .csv selects CSV")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sensors, err := c.ReadSensors(ctx)
	if err != nil {
		return err
	}
	snaps := []model.PLCSnapshot{{PLC: c.PLC(), Sensors: sensors, Timestamp: time.Now().UTC()}}

	switch {
	case *outPath != "":
		if err := output.SaveFile(*outPath, snaps); err != nil {
			return err
		}
		fmt.Printf("wrote %d sensors to %s\n", len(sensors), *outPath)
		return nil
	case *asJSON:
		return output.WriteJSON(os.Stdout, snaps)
	case *asCSV:
		return output.WriteCSV(os.Stdout, snaps)
	}
	for _, name := range sortedNames(sensors) {
		printSensor(name, sensors[name])
	}
	return nil
}

func set(ctx context.Context, c *plcrpc.Client, args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fc := fs.Int("fc", 0, "Function code: "+functionCodeHelp())
	address := fs.Int("address", 0, "Starting data address")
	raw := fs.String("values", "", "Comma separated values; one value is sent as a scalar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *raw == "" {
		return errors.New("-values is required")
	}

	values := parseValues(*raw)
	var payload any = values
	if len(values) == 1 {
		payload = values[0]
	}
	ok, err := c.SetValues(ctx, *fc, *address, payload)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no value written")
	}
	fmt.Println("ok")
	return nil
}

func watch(ctx context.Context, c *plcrpc.Client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fs.Duration("interval", time.Second, "Read interval")
	count := fs.Int("count", 0, "Stop after this many reads; 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return errors.New("-interval must be positive")
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	last := make(map[string]model.Value)
	for n := 0; *count == 0 || n < *count; n++ {
		sensors, err := c.ReadSensors(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, name := range sortedNames(sensors) {
			s := sensors[name]
			if prev, ok := last[name]; ok && prev.Equal(s.Value) {
				continue
			}
			last[name] = s.Value
			fmt.Printf("%s ", time.Now().Format(time.TimeOnly))
			printSensor(name, s)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// parseValues turns "1,true,0x10" into typed scalars: booleans, integers,
// then floats; anything else is sent as a string and judged by the server.
func parseValues(raw string) []any {
	parts := strings.Split(raw, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch lp := strings.ToLower(p); {
		case lp == "true" || lp == "false":
			out = append(out, lp == "true")
		default:
			if i, err := cast.ToInt64E(p); err == nil {
				out = append(out, i)
			} else if f, err := cast.ToFloat64E(p); err == nil {
				out = append(out, f)
			} else {
				out = append(out, p)
			}
		}
	}
	return out
}

// functionCodeHelp lists the accepted function codes per register space,
// e.g. "1, 5, 15 coil; 2 discreteInput; ...".
func functionCodeHelp() string {
	spaces := []model.RegisterType{model.Coil, model.DiscreteInput, model.HoldingRegister, model.InputRegister}
	byType := make(map[model.RegisterType][]string)
	for code := 1; code < 128; code++ {
		if rt, ok := modbus.RegisterTypeFor(code); ok {
			byType[rt] = append(byType[rt], strconv.Itoa(code))
		}
	}
	parts := make([]string, 0, len(spaces))
	for _, rt := range spaces {
		parts = append(parts, strings.Join(byType[rt], ", ")+" "+string(rt))
	}
	return strings.Join(parts, "; ")
}

func sortedNames(sensors map[string]model.SensorSnapshot) []string {
	names := make([]string, 0, len(sensors))
	for name := range sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printSensor(name string, s model.SensorSnapshot) {
	fmt.Printf("%s (%s@%d) = %s\n", name, s.RegisterType, s.DataAddress, s.Value)
}
