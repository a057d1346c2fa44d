// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🏐 club sync - Offline-First Client Synchronization")
	fmt.Println("===================================================")
	fmt.Println()
	fmt.Println("Keeps a local replica of remote tables usable offline, queues every write,")
	fmt.Println("replays the queue on reconnect and merges realtime changes last-writer-wins.")
	fmt.Println()

	fmt.Println("📚 Entry Points:")
	fmt.Println()
	fmt.Println("1. 🧰 syncctl (cmd/syncctl/)")
	fmt.Println("   Operator CLI over a local store and a REST or Postgres remote")
	fmt.Println("   Commands: status, flush, backup, restore, queue, deadletter, run")
	fmt.Println("   Run: go run ./cmd/syncctl --config sync.yaml status")
	fmt.Println()

	fmt.Println("2. 📱 Offline Flow Example (examples/offline_flow/)")
	fmt.Println("   Offline create, reconnect flush, stale realtime update, backup and restore")
	fmt.Println("   Features: in-memory remote, SQLite replica, dead-letter requeue")
	fmt.Println("   Run: go run ./examples/offline_flow")
	fmt.Println()
}
