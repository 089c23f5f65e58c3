/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Command bitchatd is a thin demo daemon: it wires an Engine to a pair of
// in-process BLE/Nostr carriers and a line-oriented stdin/stdout console,
// the way main.go wires a Device to a TUN file descriptor and a UAPI
// socket. It exists to exercise the engine end to end, not to ship a real
// BLE or Nostr stack (spec.md §1 names both as out-of-scope collaborators).
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bitchat-mesh/bitchat/internal/clock"
	"github.com/bitchat-mesh/bitchat/internal/config"
	"github.com/bitchat-mesh/bitchat/internal/engine"
	"github.com/bitchat-mesh/bitchat/internal/events"
	"github.com/bitchat-mesh/bitchat/internal/logging"
	"github.com/bitchat-mesh/bitchat/internal/noise"
	"github.com/bitchat-mesh/bitchat/internal/router"
	"github.com/bitchat-mesh/bitchat/internal/transport"
	"github.com/bitchat-mesh/bitchat/internal/transport/ble"
	"github.com/bitchat-mesh/bitchat/internal/transport/nostr"
)

const (
	ExitSetupSuccess = 0
	ExitSetupFailed  = 1
)

func printUsage() {
	fmt.Printf("usage:\n")
	fmt.Printf("%s -id PEER-ID-BYTE [-preset canonical|development|production|battery]\n", os.Args[0])
}

func parsePeerID(s string) (engine.PeerID, error) {
	var id engine.PeerID
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return id, err
	}
	id[0] = byte(n)
	return id, nil
}

func presetByName(name string) config.Config {
	switch name {
	case "development":
		return config.Development()
	case "production":
		return config.Production()
	case "battery":
		return config.BatteryOptimized()
	default:
		return config.Canonical()
	}
}

func main() {
	idFlag := flag.String("id", "1", "single-byte local peer id, for demo pairing over the loopback mesh")
	presetFlag := flag.String("preset", "development", "config preset: canonical, development, production, battery")
	flag.Usage = printUsage
	flag.Parse()

	localPeer, err := parsePeerID(*idFlag)
	if err != nil {
		printUsage()
		os.Exit(ExitSetupFailed)
	}

	cfg := presetByName(*presetFlag)
	log := logging.New(cfg.Monitoring.LogLevel, fmt.Sprintf("(%x) ", localPeer))

	priv, pub, err := noise.GenerateKeypair(rand.Reader)
	if err != nil {
		log.Error.Println("failed to generate static keypair:", err)
		os.Exit(ExitSetupFailed)
	}

	src := clock.NewMonotonic()
	e, err := engine.New(src, cfg, priv, pub, localPeer)
	if err != nil {
		log.Error.Println("failed to start engine:", err)
		os.Exit(ExitSetupFailed)
	}

	mesh := ble.NewMesh()
	relay := nostr.NewFakeRelay()
	e.AttachTransport(ble.NewLink(mesh, transport.PeerID(localPeer)))
	e.AttachTransport(nostr.NewClient(relay, transport.PeerID(localPeer)))

	log.Info.Println("bitchatd started")

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	signal.Notify(term, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go e.Run(ctx)
	go sweepLoop(e, done)
	go consoleLoop(e, log, done)

	<-term
	log.Info.Println("shutting down")
	cancel()
	close(done)
}

// sweepLoop drives the engine's periodic maintenance on a wall-clock
// ticker, the way device.RoutineTimerHandler drives rekey/keepalive timers.
func sweepLoop(e *engine.Engine, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// consoleLoop reads "PEER-ID message text" lines from stdin and submits
// them as SendTextCommands, waiting synchronously via events.Event for
// each send attempt to be handed to the transport before prompting again.
// A line of the form "connect PEER-ID" submits a ConnectCommand instead,
// bringing up the Noise session a private send otherwise silently refuses
// to use.
func consoleLoop(e *engine.Engine, log *logging.Logger, done <-chan struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "connect "); ok {
			recipient, err := parsePeerID(strings.TrimSpace(rest))
			if err != nil {
				log.Error.Println("expected a peer id from 0 to 255:", err)
				continue
			}
			e.Bus().SubmitCommand(engine.ConnectCommand{Recipient: recipient})
			continue
		}
		if len(line) < 3 {
			continue
		}
		recipient, err := parsePeerID(line[:1])
		if err != nil {
			log.Error.Println("expected a single-digit peer id prefix:", err)
			continue
		}
		ack := events.NewEvent(1)
		e.Bus().SubmitCommand(engine.SendTextCommand{
			Recipient: recipient,
			Context:   router.Private,
			Content:   line[2:],
			Done:      ack,
		})
		ack.WaitForProcessed()
	}
}
