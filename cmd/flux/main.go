// Command flux is a console client for the peer-to-peer file-transfer
// coordinator (spec.md §1), standing in for the browser UI the spec
// assumes: it drives internal/transfer.Engine exactly as a browser tab
// would, over a real internal/dialer signaling connection.
//
// Grounded on rustyguts-bken's client/app.go Connect: callbacks are wired
// before the signaling dial, and a single dial timeout bounds the
// handshake. Progress is logged with github.com/dustin/go-humanize, a
// dependency of the teacher's go.mod left unused by its source.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hyuraku/flux/internal/dialer"
	"github.com/hyuraku/flux/internal/signaling"
	"github.com/hyuraku/flux/internal/transfer"
)

func main() {
	addr := flag.String("addr", "wss://localhost:8443/ws", "broker signaling address")
	mode := flag.String("mode", "", `"send" or "receive"`)
	code := flag.String("code", "", "room code to join (send mode only)")
	file := flag.String("file", "", "path of the file to send (send mode only)")
	chunkSize := flag.Int("chunk-size", 16*1024, "chunk payload size in bytes")
	noCompress := flag.Bool("no-compress", false, "disable per-chunk compression")
	insecure := flag.Bool("insecure", true, "skip TLS verification for the broker's self-signed certificate")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "flux")

	switch *mode {
	case "send":
		if *code == "" || *file == "" {
			fmt.Fprintln(os.Stderr, "send mode requires -code and -file")
			os.Exit(2)
		}
	case "receive":
	default:
		fmt.Fprintln(os.Stderr, `-mode must be "send" or "receive"`)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() { <-sigCh; cancel() }()

	d := dialer.New(log)

	var role signaling.Role
	if *mode == "send" {
		role = signaling.RoleSender
	} else {
		role = signaling.RoleReceiver
	}

	engine := transfer.New(role, transfer.Config{
		ChunkSize:         *chunkSize,
		EnableCompression: !*noCompress,
	}, d, newChannelFactory(), log)

	d.SetOnMessage(engine.HandleSignal)
	done := make(chan struct{})
	d.SetOnClose(func(err error) {
		if err != nil {
			log.Warn("signaling connection closed", "err", err)
		}
		close(done)
	})

	wireProgress(engine, log)

	if err := d.Dial(ctx, *addr, *insecure); err != nil {
		log.Error("dial broker", "err", err)
		os.Exit(1)
	}
	defer d.Close()

	switch *mode {
	case "receive":
		received := make(chan struct{})
		engine.SetOnFileReceived(func(name, fileType string, data []byte) {
			outPath := filepath.Base(name)
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				log.Error("write received file", "err", err)
			} else {
				log.Info("file received", "name", outPath, "size", humanize.Bytes(uint64(len(data))))
			}
			close(received)
		})
		if err := engine.InitializeAsReceiver(); err != nil {
			log.Error("initialize as receiver", "err", err)
			os.Exit(1)
		}
		select {
		case <-received:
		case <-done:
		case <-ctx.Done():
		}

	case "send":
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Error("read file", "err", err)
			os.Exit(1)
		}
		f := transfer.File{Name: filepath.Base(*file), Type: "application/octet-stream", Data: data}
		log.Info("sending file", "name", f.Name, "size", humanize.Bytes(uint64(len(data))))
		if err := engine.InitializeAsSender(*code, []transfer.File{f}); err != nil {
			log.Error("initialize as sender", "err", err)
			os.Exit(1)
		}
		waitForTerminal(engine, done, ctx)
	}
}

// waitForTerminal blocks until the transfer reaches a terminal status, the
// signaling connection drops, or the process is interrupted.
func waitForTerminal(e *transfer.Engine, done <-chan struct{}, ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			switch e.Status() {
			case transfer.StatusCompleted, transfer.StatusCancelled, transfer.StatusError:
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// wireProgress logs sender/receiver progress the way the teacher's
// client/transport.go Metrics are surfaced to the UI, translated here into
// periodic log lines instead of a UI binding.
func wireProgress(e *transfer.Engine, log *slog.Logger) {
	e.SetOnCodeGenerated(func(code string) {
		log.Info("code generated", "code", code)
	})
	e.SetOnError(func(err error) {
		log.Error("transfer failed", "err", err)
	})
	e.SetOnStatusChange(func(status transfer.Status) {
		log.Info("status", "status", status)
	})
}
