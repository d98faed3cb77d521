/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// signaling-probe connects the transport stack against a signaling backend
// and reports channel health and presence traffic. Useful when debugging
// deployments where calls fail before any session is created.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	callkit "github.com/meshtalk/callkit-go"
	"github.com/meshtalk/callkit-go/presence"
	"github.com/meshtalk/callkit-go/sigcore"
	"github.com/meshtalk/callkit-go/transport"
)

func main() {
	token := os.Getenv("MESHTALK_ACCESS_TOKEN")
	if token == "" {
		fmt.Println("MESHTALK_ACCESS_TOKEN env var required")
		os.Exit(1)
	}

	config := &callkit.Config{}
	if base := os.Getenv("MESHTALK_BASE_URL"); base != "" {
		config.Core = sigcore.DefaultConfig()
		config.Core.BaseURL = base
	}
	if userID := os.Getenv("MESHTALK_USER_ID"); userID != "" {
		config.UserID = userID
	}

	client, err := callkit.New(token, config)
	if err != nil {
		fmt.Printf("ERROR creating client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Printf("[1/3] Signed in as %s\n", client.UserID())

	client.Transport().OnStatusChange(func(s transport.Status) {
		fmt.Printf("  transport: %s\n", s)
	})
	unsubscribe := client.Presence().Subscribe(func(rec presence.Record) {
		fmt.Printf("  presence: %s online=%v\n", rec.UserID, rec.Online)
	})
	defer unsubscribe()

	fmt.Println("[2/3] Connecting transport channels...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Start(ctx); err != nil {
		fmt.Printf("ERROR starting client: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("[3/3] Watching. Ctrl-C to quit.")
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			fmt.Printf("  status=%s online=%d\n", client.Transport().Status(), len(client.Presence().Online()))
		case <-sigCh:
			fmt.Println("\nBye.")
			return
		}
	}
}
