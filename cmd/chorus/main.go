package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/internal/config"
	"github.com/fractalmind-ai/chorus/internal/gateway"
	"github.com/fractalmind-ai/chorus/internal/history"
	"github.com/fractalmind-ai/chorus/internal/workspace"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := flag.String("root", ".", "directory containing workspace definitions")
	name := flag.String("w", "", "workspace name (loads <root>/<name>.yaml)")
	snapshotPath := flag.String("snapshot", "", "write a snapshot here after the run")
	restorePath := flag.String("restore", "", "restore agent states and queued messages from a snapshot")
	archivePath := flag.String("archive", "", "archive routed messages to this sqlite file")
	visualPort := flag.Int("visual", 0, "serve the debugger gateway on this port (0 disables)")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	if *name == "" {
		log.Printf("workspace name is required (-w)")
		return 2
	}
	if flag.Arg(0) != "run" {
		log.Printf("usage: chorus --root <dir> -w <name> run")
		return 2
	}

	registry := agent.NewRegistry()
	if err := agent.RegisterBuiltins(registry); err != nil {
		log.Printf("failed to register builtin agents: %v", err)
		return 1
	}

	loader := &config.Loader{Agents: registry}
	ws, err := loader.Load(filepath.Join(*root, *name+".yaml"))
	if err != nil {
		log.Printf("failed to load workspace: %v", err)
		return 1
	}

	opts := workspace.Options{}
	if *restorePath != "" {
		snap, err := workspace.LoadSnapshot(*restorePath)
		if err != nil {
			log.Printf("failed to restore snapshot: %v", err)
			return 1
		}
		opts.Restore = snap
	}

	controller, err := workspace.NewController(ws, opts)
	if err != nil {
		log.Printf("failed to build workspace: %v", err)
		return 1
	}

	if *archivePath != "" {
		store, err := history.OpenStore(*archivePath)
		if err != nil {
			log.Printf("failed to open archive: %v", err)
			return 1
		}
		defer store.Close()
		controller.AddMessageListener(store.Listener())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *visualPort > 0 {
		server, err := gateway.NewServer(gateway.Config{Bind: "127.0.0.1", Port: *visualPort})
		if err != nil {
			log.Printf("failed to initialize gateway: %v", err)
			return 1
		}
		server.Attach(controller)
		go func() {
			_ = server.Start(ctx)
		}()
		defer func() {
			if err := server.Stop(); err != nil {
				log.Printf("gateway shutdown error: %v", err)
			}
		}()
	}

	log.Printf("running workspace %q (%s)", ws.Title, *name)
	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("workspace error: %v", err)
		return 1
	}
	controller.Stop()

	if *snapshotPath != "" {
		if err := controller.Snapshot(*snapshotPath); err != nil {
			log.Printf("failed to write snapshot: %v", err)
			return 1
		}
	}

	fmt.Printf("workspace %q finished after %d routed messages\n", ws.Title, controller.Activity().MessageCount())
	return 0
}
