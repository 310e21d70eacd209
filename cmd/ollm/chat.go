package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ctxeng "ollm/internal/context"
	"ollm/internal/provider"

	"github.com/spf13/cobra"
)

func runChat(cmd *cobra.Command, args []string) error {
	base, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	eng, err := newEngine(ctx, base, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	if eng.client == nil {
		return fmt.Errorf("no API key configured; set OLLM_API_KEY or provider.api_key in config.json")
	}

	// Surface the compression lifecycle in the terminal as it happens.
	unsubscribe := eng.orchestrator.Bus().Subscribe(func(evt ctxeng.Event) {
		switch evt.Type {
		case ctxeng.EventSummarizing:
			fmt.Println("… compressing older context")
		case ctxeng.EventAutoSnapshotCreated:
			fmt.Printf("… snapshot saved (%v)\n", evt.Payload["snapshot_id"])
		case ctxeng.EventAutoSummaryFailed:
			fmt.Printf("!  auto-summary failed: %v\n", evt.Payload["reason"])
		case ctxeng.EventRolloverComplete:
			fmt.Println("… context rolled over; older history summarized")
		}
	})
	defer unsubscribe()

	fmt.Printf("ollm session %s (model %s, %d token window)\n",
		eng.sessionID[:8], cfg.Provider.Model, cfg.ContextWindow.MaxTokens)
	fmt.Println(`Type /help for commands, /quit to exit.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleSlashCommand(ctx, eng, line); quit {
				break
			}
			continue
		}

		if err := chatTurn(ctx, eng, line); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("!  %v\n", err)
		}
	}
	return scanner.Err()
}

// chatTurn sends one user message and streams the reply.
func chatTurn(ctx context.Context, eng *engine, input string) error {
	prompt := eng.orchestrator.BuildPrompt(input)

	// Resizes wait for in-flight generations to drain.
	eng.pool.BeginRequest()
	defer eng.pool.EndRequest()

	stream, err := eng.client.ChatStream(ctx, provider.ChatRequest{
		Model:    eng.cfg.Provider.Model,
		Messages: prompt,
	})
	if err != nil {
		return err
	}

	// The user message enters the permanent record whether or not the reply
	// succeeds.
	res := eng.orchestrator.AddMessage(ctx, ctxeng.Message{Role: ctxeng.RoleUser, Content: input})
	if res.Err != nil {
		fmt.Printf("!  compression problem: %v\n", res.Err)
	}

	var reply strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case provider.ChunkText:
			fmt.Print(chunk.Text)
			reply.WriteString(chunk.Text)
		case provider.ChunkThinking:
			reply.WriteString(chunk.Text)
		case provider.ChunkError:
			fmt.Println()
			return chunk.Err
		}
	}
	fmt.Println()

	if reply.Len() > 0 {
		eng.orchestrator.AddMessage(ctx, ctxeng.Message{Role: ctxeng.RoleAssistant, Content: reply.String()})
	}
	return nil
}

// handleSlashCommand dispatches in-session commands; returns true to quit.
func handleSlashCommand(ctx context.Context, eng *engine, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(`Commands:
  /status           context usage, tier, reliability
  /compress         compress older context now
  /snapshot         save a snapshot of this session
  /snapshots        list snapshots for this session
  /history          every user message this session, from the archive
  /restore <id>     restore a snapshot
  /mode <m>         assistant | planning | developer | debugger
  /clear            clear the working set (user history is kept)
  /quit             exit`)

	case "/status":
		printSessionStatus(eng)

	case "/compress":
		outcome := eng.orchestrator.Compress(ctx)
		if outcome.Success {
			fmt.Printf("Freed %d tokens.\n", outcome.FreedTokens)
		} else {
			fmt.Printf("Compression did not apply: %s\n", outcome.Reason)
		}

	case "/snapshot":
		snap, err := eng.orchestrator.CreateSnapshot("manual")
		if err != nil {
			fmt.Printf("!  %v\n", err)
		} else {
			fmt.Printf("Snapshot %s saved.\n", snap.ID)
		}

	case "/snapshots":
		mgr, err := openSnapshots()
		if err != nil {
			fmt.Printf("!  %v\n", err)
			break
		}
		entries, err := mgr.List(eng.sessionID)
		if err != nil || len(entries) == 0 {
			fmt.Println("No snapshots yet.")
			break
		}
		for _, e := range entries {
			fmt.Printf("  %s  %s  %d tokens  %s\n",
				e.ID, e.Timestamp.Format("15:04:05"), e.TokenCount, e.Purpose)
		}

	case "/history":
		msgs, err := eng.store.UserMessages(eng.sessionID)
		if err != nil {
			fmt.Printf("!  %v\n", err)
			break
		}
		if len(msgs) == 0 {
			fmt.Println("No messages archived yet.")
			break
		}
		for _, m := range msgs {
			fmt.Printf("  %s  %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Content)
		}

	case "/restore":
		if len(fields) < 2 {
			fmt.Println("Usage: /restore <snapshot-id>")
			break
		}
		if err := eng.orchestrator.RestoreSnapshot(fields[1]); err != nil {
			fmt.Printf("!  %v\n", err)
		} else {
			fmt.Println("Snapshot restored.")
		}

	case "/mode":
		if len(fields) < 2 {
			fmt.Printf("Current mode: %s\n", eng.orchestrator.Mode())
			break
		}
		eng.orchestrator.UpdateMode(ctxeng.Mode(fields[1]))
		fmt.Printf("Mode set to %s.\n", fields[1])

	case "/clear":
		eng.orchestrator.Clear()
		fmt.Println("Working set cleared.")

	default:
		fmt.Printf("Unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func printSessionStatus(eng *engine) {
	usage := eng.orchestrator.GetUsage()
	rel := eng.orchestrator.GetCompressionReliability()
	state := eng.orchestrator.GetState()

	budget := eng.orchestrator.GetBudget()
	fmt.Printf("Context: %d / %d tokens (%.1f%%), tier %s, compresses at %d\n",
		usage.CurrentTokens, usage.MaxTokens, usage.Percentage, budget.Tier, budget.ThresholdTokens)
	fmt.Printf("Checkpoints: %d/%d, recent messages: %d, compressions: %d\n",
		len(state.Checkpoints), budget.CheckpointCeiling, len(state.RecentMessages), eng.orchestrator.CompressionCount())
	fmt.Printf("Reliability: %.2f (%s)\n", rel.Score, rel.Level)
	if n, err := eng.store.MessageCount(eng.sessionID); err == nil {
		fmt.Printf("Archived to disk: %d messages\n", n)
	}
	if usage.VRAMTotal > 0 {
		fmt.Printf("VRAM: %d / %d MiB\n", usage.VRAMUsed/(1<<20), usage.VRAMTotal/(1<<20))
	}
	if !eng.orchestrator.WaitForSummarization(10 * time.Millisecond) {
		fmt.Println("A summarization pass is in flight.")
	}
}
