// Command devctl drives a single device-session end to end from the
// command line: connect, optionally run a call, and disconnect.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	device "github.com/ezclang/device"
	"github.com/ezclang/device/internal/logging"
	"github.com/ezclang/device/internal/transport"
)

var (
	flagTransport    string
	flagSerialPort   string
	flagDeviceSerial string
	flagSocketAddr   string
	flagSubCommand   string
	flagSubArgs      []string
	flagHardReset    string
	flagFirmware     string
	flagFlasher      string
	flagFlasherArgs  []string
	flagProbeFirst   bool
	flagVerbose      bool
	flagQuiet        bool
)

func main() {
	root := &cobra.Command{
		Use:   "devctl",
		Short: "operate a single ez-clang device session",
	}
	root.PersistentFlags().StringVar(&flagTransport, "transport", "subprocess", "transport kind: serial, socket, subprocess")
	root.PersistentFlags().StringVar(&flagSerialPort, "serial-port", "", "serial port path (transport=serial)")
	root.PersistentFlags().StringVar(&flagDeviceSerial, "device-serial", "", "USB serial number to match (transport=serial)")
	root.PersistentFlags().StringVar(&flagSocketAddr, "socket-addr", "", "host:port to dial (transport=socket)")
	root.PersistentFlags().StringVar(&flagSubCommand, "subprocess-command", "", "subprocess to launch (transport=subprocess)")
	root.PersistentFlags().StringSliceVar(&flagSubArgs, "subprocess-args", nil, "subprocess arguments")
	root.PersistentFlags().StringVar(&flagHardReset, "hard-reset-family", "none", "hard-reset family: none, sam, teensy")
	root.PersistentFlags().StringVar(&flagFirmware, "firmware", "", "firmware image path for reflash recovery")
	root.PersistentFlags().StringVar(&flagFlasher, "flasher", "", "flasher command for reflash recovery")
	root.PersistentFlags().StringSliceVar(&flagFlasherArgs, "flasher-args", nil, "flasher command arguments")
	root.PersistentFlags().BoolVar(&flagProbeFirst, "probe-handshake-first", false, "send the handshake token before awaiting it back (transport=serial; required by Teensy LC, Adafruit Metro M0)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging and frame dumps")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress note/warn/debug streams")

	root.AddCommand(newConnectCmd(), newCallCmd(), newShellCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	if flagVerbose {
		cfg.Level = logging.LevelDebug
	}
	cfg.Quiet = flagQuiet
	return logging.NewLogger(cfg)
}

func buildProfile(deviceID string) (device.DeviceProfile, error) {
	p := device.DeviceProfile{
		DeviceID:            deviceID,
		SerialPort:          flagSerialPort,
		DeviceSerial:        flagDeviceSerial,
		SocketAddr:          flagSocketAddr,
		SubprocessCommand:   flagSubCommand,
		SubprocessArgs:      flagSubArgs,
		FirmwareImagePath:   flagFirmware,
		FlasherCommand:      flagFlasher,
		FlasherArgs:         flagFlasherArgs,
		ProbeHandshakeFirst: flagProbeFirst,
	}
	switch transport.HardResetFamily(flagHardReset) {
	case transport.HardResetNone, transport.HardResetSAM, transport.HardResetTeensy:
		p.HardResetFamily = transport.HardResetFamily(flagHardReset)
	default:
		return device.DeviceProfile{}, fmt.Errorf("unknown hard-reset-family %q", flagHardReset)
	}
	switch flagTransport {
	case "serial":
		p.Transport = device.TransportSerial
	case "socket":
		p.Transport = device.TransportSocket
	case "subprocess":
		p.Transport = device.TransportSubprocess
	default:
		return device.DeviceProfile{}, fmt.Errorf("unknown transport %q", flagTransport)
	}
	return p, nil
}

func openDevice(logger *logging.Logger) (*device.Device, error) {
	profile, err := buildProfile("devctl")
	if err != nil {
		return nil, err
	}
	d, err := device.NewDevice(profile,
		device.WithLogger(logger),
		device.WithVerbose(flagVerbose),
		device.WithCallbacks(device.HostCallbacks{
			Stdout: func(s string) { fmt.Print(s) },
		}),
	)
	if err != nil {
		return nil, err
	}
	if _, err := d.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := d.Setup(); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	return d, nil
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "connect, run setup, print the device's announced version and code buffer, then disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			d, err := openDevice(logger)
			if err != nil {
				return err
			}
			defer d.Disconnect()
			fmt.Printf("device_id=%s version=%q code_buffer=0x%x+0x%x\n", d.Profile.DeviceID, d.Version, d.CodeBufferAddr, d.CodeBufferSize)
			return nil
		},
	}
}

func newCallCmd() *cobra.Command {
	var symbols []string
	var addrStr string
	var segmentSpecs []string

	cmd := &cobra.Command{
		Use:   "call ENDPOINT",
		Short: "connect, issue a single endpoint call, print the result, then disconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			d, err := openDevice(logger)
			if err != nil {
				return err
			}
			defer d.Disconnect()

			req := device.CallRequest{Symbols: symbols}
			if addrStr != "" {
				addr, err := strconv.ParseUint(addrStr, 0, 64)
				if err != nil {
					return fmt.Errorf("invalid --addr: %w", err)
				}
				req.Addr = addr
			}
			for _, spec := range segmentSpecs {
				seg, err := parseSegmentSpec(spec)
				if err != nil {
					return err
				}
				req.Segments = append(req.Segments, seg)
			}

			resp, err := d.Call(args[0], req)
			if err != nil {
				return err
			}
			if len(resp.Addrs) > 0 {
				for _, sym := range symbols {
					fmt.Printf("%s=0x%x\n", sym, resp.Addrs[sym])
				}
			}
			if resp.Str != "" {
				fmt.Println(resp.Str)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbol", nil, "symbol name(s) for lookup, repeatable")
	cmd.Flags().StringVar(&addrStr, "addr", "", "address for execute/memory.read.cstr, accepts 0x-prefixed hex")
	cmd.Flags().StringSliceVar(&segmentSpecs, "segment", nil, "addr=hexbytes segment(s) for commit, repeatable")
	return cmd
}

// parseSegmentSpec parses "0xADDR=68656c6c6f00" into a CommitSegment.
func parseSegmentSpec(spec string) (device.CommitSegment, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return device.CommitSegment{}, fmt.Errorf("segment %q must be ADDR=HEXBYTES", spec)
	}
	addr, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return device.CommitSegment{}, fmt.Errorf("segment %q: invalid address: %w", spec, err)
	}
	data := make([]byte, len(parts[1])/2)
	if _, err := fmt.Sscanf(parts[1], "%x", &data); err != nil {
		return device.CommitSegment{}, fmt.Errorf("segment %q: invalid hex payload: %w", spec, err)
	}
	return device.CommitSegment{Addr: addr, Data: data}, nil
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "connect, run setup, print the device's version, then disconnect; it does not stay attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			d, err := openDevice(logger)
			if err != nil {
				return err
			}
			defer d.Disconnect()
			fmt.Printf("attached to %s (version %q); commit/execute calls are not yet available from this subcommand\n", d.Profile.DeviceID, d.Version)
			return nil
		},
	}
}
