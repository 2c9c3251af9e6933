// Command xhcid serves an emulated XHCI USB controller over the
// vfio-user protocol. A hypervisor connects to the Unix socket and sees
// a PCI USB 3 host controller whose root hub ports are wired to real
// host USB devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/c35s/xhcid/usb"
	"github.com/c35s/xhcid/vfio"
	"github.com/c35s/xhcid/xhci"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {

	var (
		socketPath = flag.String("socket", "", "listen on a Unix socket at this path")
		pcapPath   = flag.String("pcap", "", "record bridged USB transfers to a pcap file at this path")
		verbose    = flag.Bool("v", false, "enable debug logging")
		devices    []string
	)

	flag.Func("device", "attach the USB device node at this path (may be repeated)", func(s string) error {
		devices = append(devices, s)
		return nil
	})

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "xhcid: -socket is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*socketPath, devices, *pcapPath, log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(socketPath string, devicePaths []string, pcapPath string, log *slog.Logger) error {
	var capture *usb.Capture
	if pcapPath != "" {
		f, err := os.Create(pcapPath)
		if err != nil {
			return err
		}

		defer f.Close()

		if capture, err = usb.NewCapture(f, log); err != nil {
			return err
		}

		log.Info("capturing usb traffic", "path", pcapPath)
	}

	var bridges []*usb.Bridge
	for i, path := range devicePaths {
		dev, err := usb.Open(path)
		if err != nil {
			return err
		}

		log.Info("attached device", "path", path, "speed", dev.Speed())

		if capture != nil {
			dev = capture.Wrap(dev, uint8(i+1))
		}

		bridges = append(bridges, usb.NewBridge(dev, log))
	}

	controller := xhci.New(xhci.Config{
		Devices: bridges,
		Log:     log,
	})

	defer controller.Close()

	// a stale socket from a previous run would block the listener
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	lis, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return err
	}

	defer os.Remove(socketPath)
	log.Info("listening", "socket", socketPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})

	g.Go(func() error {
		for {
			conn, err := lis.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return err
			}

			log.Info("client connected")

			err = vfio.Serve(conn, controller, log)
			conn.Close()

			if err != nil {
				return fmt.Errorf("session failed: %w", err)
			}

			log.Info("client disconnected")
		}
	})

	return g.Wait()
}
