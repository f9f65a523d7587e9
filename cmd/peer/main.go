package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"

	"cloak/crypto"
	"cloak/domain"
	"cloak/identity"
	"cloak/internal/logs"
	"cloak/peer"
	"cloak/storage"
	"cloak/wire"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Peer terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & logger
	_ = godotenv.Load()
	var config Config
	if err := envconfig.Process("cloak", &config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	// 2. Local identity, persisted across restarts
	options := badger.DefaultOptions(config.DataDir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(options)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	suite := crypto.NewSuite()
	store := identity.NewStore(storage.NewBadgerKV(db, logger), suite, logger)
	id, err := store.LoadOrCreate()
	if err != nil {
		return exitRuntime, fmt.Errorf("identity error: %w", err)
	}
	color.Green.Printf("Identity fingerprint: %s\n", crypto.Fingerprint(id.PublicKey))

	// 3. Session client with console hooks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := peer.Events{
		OnRegistered: func(connID domain.ConnID, username domain.Username) {
			color.Green.Printf("Registered as %s (%s)\n", username, connID)
		},
		OnRoster: func(room domain.RoomID, peers []domain.Peer) {
			color.Cyan.Printf("Joined %s with %d peer(s) already present\n", room, len(peers))
		},
		OnPeerJoined: func(room domain.RoomID, p domain.Peer) {
			color.Cyan.Printf("%s joined %s [%s]\n", p.Username, room, crypto.Fingerprint(p.PublicKey))
		},
		OnPeerLeft: func(room domain.RoomID, connID domain.ConnID) {
			color.Gray.Printf("A peer left %s\n", room)
		},
		OnMessage: func(from domain.Username, text string) {
			color.Yellow.Printf("%s: ", from)
			fmt.Println(text)
		},
		OnFindResult: func(found bool, p domain.Peer) {
			if !found {
				color.Red.Println("User not found")
				return
			}
			color.Cyan.Printf("%s is online as %s [%s]\n", p.Username, p.ConnID, crypto.Fingerprint(p.PublicKey))
		},
		OnStats: func(stats wire.Stats) {
			printStats(stats)
		},
		OnStatus: func(text string) {
			color.Red.Println(text)
		},
		OnEvicted: func(reason string) {
			color.Red.Printf("Disconnected by relay: %s\n", reason)
			cancel()
		},
	}

	conn, err := peer.Dial(ctx, config.RelayURL, config.Version, logger)
	if err != nil {
		return exitRuntime, err
	}
	client := peer.NewClient(logger, suite, id, conn, events)

	// Finalized inbound files land in the download directory
	if err := os.MkdirAll(config.DownloadDir, 0o755); err != nil {
		return exitRuntime, fmt.Errorf("download dir: %w", err)
	}
	client.Engine().OnFile(func(t domain.Transfer, data []byte) {
		path := filepath.Join(config.DownloadDir, filepath.Base(t.FileName))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			color.Red.Printf("Saving %s failed: %v\n", t.FileName, err)
			return
		}
		color.Green.Printf("Received %s (%d bytes) -> %s\n", t.FileName, len(data), path)
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- conn.ReadLoop(ctx, client)
	}()

	if err := client.Register(domain.Username(config.Username)); err != nil {
		return exitRuntime, err
	}
	if config.Room != "" {
		if err := client.Join(domain.RoomID(config.Room)); err != nil {
			return exitRuntime, err
		}
	}

	// 4. Interactive loop: bare text broadcasts to the room, slash
	// commands do everything else.
	go prompt(ctx, client, conn)

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return exitOK, nil
	case err := <-errChan:
		if err != nil && ctx.Err() == nil {
			return exitRuntime, err
		}
		return exitOK, nil
	}
}

func prompt(ctx context.Context, client *peer.Client, conn *peer.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := client.Broadcast(line); err != nil {
				color.Red.Printf("Broadcast failed: %v\n", err)
			}
			continue
		}

		fields := strings.Fields(line)
		command, args := fields[0], fields[1:]
		switch command {
		case "/join":
			if len(args) != 1 {
				color.Red.Println("usage: /join <room>")
				continue
			}
			report(client.Join(domain.RoomID(args[0])))
		case "/leave":
			report(client.Leave())
		case "/find":
			if len(args) != 1 {
				color.Red.Println("usage: /find <username>")
				continue
			}
			report(client.Find(domain.Username(args[0])))
		case "/msg":
			if len(args) < 2 {
				color.Red.Println("usage: /msg <username> <text>")
				continue
			}
			report(client.SendText(domain.Username(args[0]), strings.Join(args[1:], " ")))
		case "/send":
			if len(args) != 2 {
				color.Red.Println("usage: /send <username> <path>")
				continue
			}
			offerFile(ctx, client, domain.Username(args[0]), args[1])
		case "/sendall":
			if len(args) != 1 {
				color.Red.Println("usage: /sendall <path>")
				continue
			}
			offerFile(ctx, client, "", args[0])
		case "/accept":
			if len(args) != 1 {
				color.Red.Println("usage: /accept <transfer-id>")
				continue
			}
			report(client.Engine().Accept(ctx, domain.TransferID(args[0])))
		case "/decline":
			if len(args) != 1 {
				color.Red.Println("usage: /decline <transfer-id>")
				continue
			}
			report(client.Engine().Decline(ctx, domain.TransferID(args[0])))
		case "/cancel":
			if len(args) != 1 {
				color.Red.Println("usage: /cancel <transfer-id>")
				continue
			}
			report(client.Engine().Cancel(ctx, domain.TransferID(args[0])))
		case "/transfers":
			printTransfers(client)
		case "/peers":
			printPeers(client)
		case "/stats":
			report(client.RequestStats())
		case "/quit":
			_ = conn.Close()
			return
		default:
			color.Red.Printf("Unknown command %s\n", command)
		}
	}
}

func offerFile(ctx context.Context, client *peer.Client, target domain.Username, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		color.Red.Printf("Reading %s failed: %v\n", path, err)
		return
	}
	name := filepath.Base(path)
	var ids []domain.TransferID
	if target == "" {
		ids, err = client.OfferFile(ctx, name, content)
	} else {
		ids, err = client.OfferFileTo(ctx, target, name, content)
	}
	if err != nil {
		color.Red.Printf("Offer failed: %v\n", err)
		return
	}
	color.Green.Printf("Offered %s as %d transfer(s)\n", name, len(ids))
}

func report(err error) {
	if err != nil {
		color.Red.Println(err)
	}
}

func printPeers(client *peer.Client) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Username", "Connection", "Fingerprint", "Unread"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, p := range client.Roster() {
		table.Append([]string{
			string(p.Username),
			string(p.ConnID),
			crypto.Fingerprint(p.PublicKey),
			fmt.Sprintf("%d", client.Unread(p.ConnID)),
		})
	}
	table.Render()
}

func printTransfers(client *peer.Client) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "File", "Size", "Chunks", "Status"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, t := range client.Engine().Transfers() {
		table.Append([]string{
			string(t.ID),
			t.FileName,
			fmt.Sprintf("%d", t.FileSize),
			fmt.Sprintf("%d/%d", t.ChunksSeen, t.TotalChunks),
			t.Status.String(),
		})
	}
	table.Render()
}

func printStats(stats wire.Stats) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Started", "Visits", "Active", "RSS", "CPU"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{
		stats.StartTime.Format("2006-01-02 15:04:05"),
		fmt.Sprintf("%d", stats.TotalVisits),
		fmt.Sprintf("%d", stats.ActiveUsers),
		fmt.Sprintf("%.1f MiB", float64(stats.RSSBytes)/(1024*1024)),
		fmt.Sprintf("%.1f%%", stats.CPUPercent),
	})
	table.Render()
}
