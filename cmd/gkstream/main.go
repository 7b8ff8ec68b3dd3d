// SPDX-License-Identifier: GPL-3.0-or-later

// gkstream is a console front-end for the gcodekit controller core: it
// lists serial ports, connects to a GRBL-family controller over serial,
// TCP or WebSocket, and streams a G-code file with live status output.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/feveal/gcodekit5-sub001/comm"
)

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func readGCodeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, ";") || strings.HasPrefix(text, "(") {
			continue
		}
		lines = append(lines, text)
	}
	return lines, scan.Err()
}

func listPorts() error {
	ports, err := comm.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.Product != "" {
			fmt.Printf("%-20s %s (serial %s, %s:%s)\n", p.Name, p.Product, p.SerialNumber, p.VID, p.PID)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func buildParams(portName string, baud int, tcpAddr, wsURL string) (comm.ConnectionParams, error) {
	switch {
	case wsURL != "":
		return comm.ConnectionParams{
			Kind:      comm.ConnWebSocket,
			WebSocket: comm.WebSocketParams{URL: wsURL},
		}, nil
	case tcpAddr != "":
		host, portStr, found := strings.Cut(tcpAddr, ":")
		if !found {
			return comm.ConnectionParams{}, fmt.Errorf("tcp address must be host:port, got %q", tcpAddr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return comm.ConnectionParams{}, fmt.Errorf("tcp port: %w", err)
		}
		return comm.ConnectionParams{
			Kind: comm.ConnTCP,
			TCP:  comm.TCPParams{Host: host, Port: port},
		}, nil
	default:
		return comm.ConnectionParams{
			Kind:   comm.ConnSerial,
			Serial: comm.SerialParams{Port: portName, Baud: baud},
		}, nil
	}
}

func main() {
	// .env overlay is optional; flags always win.
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}

	portName := flag.String("port", envDefault("GKSTREAM_PORT", ""), "Serial port name")
	baud := flag.Int("baud", envDefaultInt("GKSTREAM_BAUD", 115200), "Serial port baud rate")
	tcpAddr := flag.String("tcp", envDefault("GKSTREAM_TCP", ""), "TCP address (host:port)")
	wsURL := flag.String("ws", envDefault("GKSTREAM_WS", ""), "WebSocket URL")
	file := flag.String("file", "", "G-code file to stream")
	pollMs := flag.Int("poll-ms", envDefaultInt("GKSTREAM_POLL_MS", 100), "Status poll interval (ms)")
	haltOnError := flag.Bool("halt-on-error", false, "Pause the stream on the first error:N response")
	list := flag.Bool("list-ports", false, "List serial ports and exit")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *list {
		if err := listPorts(); err != nil {
			slog.Error("Failed to list ports", "error", err)
			os.Exit(1)
		}
		return
	}

	if *portName == "" && *tcpAddr == "" && *wsURL == "" {
		slog.Error("No endpoint given; use -port, -tcp or -ws (or -list-ports)")
		os.Exit(2)
	}

	params, err := buildParams(*portName, *baud, *tcpAddr, *wsURL)
	if err != nil {
		slog.Error("Bad endpoint", "error", err)
		os.Exit(2)
	}

	var lines []string
	if *file != "" {
		lines, err = readGCodeFile(*file)
		if err != nil {
			slog.Error("Failed to read G-code file", "path", *file, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded G-code file", "path", *file, "lines", len(lines))
	}

	c := comm.New(comm.Config{
		PollInterval: time.Duration(*pollMs) * time.Millisecond,
		HaltOnError:  *haltOnError,
	})
	defer c.Close()

	ready := make(chan struct{}, 1)
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	c.Subscribe(func(ev comm.Event) {
		switch ev.Type {
		case comm.EventStateChange:
			slog.Info("State", "state", ev.State.String())
			if ev.State == comm.Ready {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		case comm.EventStatusUpdate:
			slog.Debug("Status", "state", ev.Status.State,
				"mpos", fmt.Sprintf("%.3f,%.3f,%.3f", ev.Status.MPos.X, ev.Status.MPos.Y, ev.Status.MPos.Z),
				"feed", ev.Status.Feed, "spindle", ev.Status.Spindle)
		case comm.EventProgress:
			fmt.Printf("\r%d/%d acked", ev.Acked, ev.Total)
		case comm.EventLineError:
			slog.Warn("Line rejected", "id", ev.ID, "line", ev.Line, "code", ev.Code)
		case comm.EventAlarm:
			slog.Error("Alarm", "code", ev.Code)
			finish(fmt.Errorf("device alarm %d", ev.Code))
		case comm.EventStreamComplete:
			fmt.Println()
			finish(nil)
		case comm.EventError:
			slog.Warn("Error", "kind", ev.Kind.String(), "detail", ev.Detail)
		case comm.EventDisconnected:
			finish(fmt.Errorf("connection lost"))
		}
	})

	if err := c.Connect(params); err != nil {
		slog.Error("Connect failed", "error", err)
		os.Exit(1)
	}

	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		slog.Error("Device never became ready")
		os.Exit(1)
	}
	slog.Info("Connected", "firmware", c.Firmware().String())

	if len(lines) == 0 {
		// No file: just report status until interrupted.
		select {}
	}

	if err := c.Stream(lines); err != nil {
		slog.Error("Stream failed", "error", err)
		os.Exit(1)
	}

	if err := <-done; err != nil {
		slog.Error("Stream ended", "error", err)
		os.Exit(1)
	}
	slog.Info("Stream complete", "sent", len(lines))
}
