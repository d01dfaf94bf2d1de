package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	appcrypto "peerchat/crypto"
	"peerchat/discovery"
	"peerchat/network"
	"peerchat/storage"
	"peerchat/ui"
)

const shutdownTimeout = 5 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for one peer to connect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetInt("port")
		if port <= 0 {
			port = a.cfg.ListeningPort
		}
		noAdvertise, _ := cmd.Flags().GetBool("no-advertise")

		return a.runChat(cmd.Context(), func(ctx context.Context, session *network.Session) (func(), error) {
			if err := session.StartAsServer(ctx, port); err != nil {
				return nil, err
			}
			if noAdvertise || !a.cfg.Discovery() {
				return func() {}, nil
			}
			advertiser, err := discovery.Advertise(discovery.Config{
				DeviceID:   a.cfg.DeviceID,
				DeviceName: a.cfg.DeviceName,
				Port:       session.ListenPort(),
				Logger:     a.logger,
			})
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"function": "listen",
					"error":    err.Error(),
				}).Warn("mDNS advertisement failed")
				return func() {}, nil
			}
			return advertiser.Stop, nil
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <host>",
	Short: "Connect to a listening peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetInt("port")
		host := args[0]

		return a.runChat(cmd.Context(), func(ctx context.Context, session *network.Session) (func(), error) {
			return func() {}, session.StartAsClient(ctx, host, port)
		})
	},
}

// runChat starts a session, feeds it from stdin and renders its events until
// the user quits, the peer disconnects, or a signal arrives.
func (a *app) runChat(parent context.Context, start func(context.Context, *network.Session) (func(), error)) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := a.openJournal()
	defer a.closeJournal(store)

	opts := a.cfg.NetworkOptions()
	opts.Logger = a.logger
	opts.Journal = store

	console := ui.NewConsole(os.Stdout, ui.DefaultTheme())
	session := network.NewSession(console, opts)
	defer func() {
		session.Disconnect()
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := session.Wait(waitCtx); err != nil {
			a.logger.WithField("error", err.Error()).Warn("Session did not shut down cleanly")
		}
	}()

	cleanup, err := start(ctx, session)
	if err != nil {
		return err
	}
	defer cleanup()

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- ui.RunInput(ctx, os.Stdin, session, console)
	}()

	select {
	case err := <-inputDone:
		return err
	case <-session.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List peers listening on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		peers, err := discovery.Browse(ctx, discovery.Config{
			DeviceID:      a.cfg.DeviceID,
			BrowseTimeout: timeout,
			Logger:        a.logger,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tENDPOINT\tDEVICE ID")
		for _, peer := range peers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", peer.Name, peer.Endpoint(), peer.DeviceID)
		}
		return w.Flush()
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent connection and transfer events",
	Long: "Show recent connection and transfer events. --sessions lists past sessions, " +
		"--session and --transfer show the history of one session or transfer in order.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		eventType, _ := cmd.Flags().GetString("type")
		sessionID, _ := cmd.Flags().GetString("session")
		transferID, _ := cmd.Flags().GetString("transfer")
		listSessions, _ := cmd.Flags().GetBool("sessions")

		store, _, err := storage.Open(a.dataDir)
		if err != nil {
			return err
		}
		defer a.closeJournal(store)

		if listSessions {
			return printSessions(store, limit)
		}

		var events []storage.Event
		switch {
		case transferID != "":
			events, err = store.TransferEvents(transferID)
		case sessionID != "":
			events, err = store.SessionEvents(sessionID, limit)
		default:
			events, err = store.GetEvents(storage.EventFilter{EventType: eventType, Limit: limit})
		}
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tTRANSFER\tDETAILS")
		for _, event := range events {
			at := time.UnixMilli(event.Timestamp).Format(time.DateTime)
			transfer := "-"
			if event.TransferID != nil {
				transfer = *event.TransferID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", at, event.Severity, event.EventType, transfer, summarizeDetails(event.Details))
		}
		return w.Flush()
	},
}

func printSessions(store *storage.Store, limit int) error {
	sessions, err := store.Sessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tLAST EVENT\tEVENTS\tTRANSFERS\tFAILURES")
	for _, session := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			session.SessionID,
			time.UnixMilli(session.FirstSeen).Format(time.DateTime),
			time.UnixMilli(session.LastSeen).Format(time.DateTime),
			session.Events, session.Transfers, session.Failures)
	}
	return w.Flush()
}

// summarizeDetails shortens checksums in a details object for display.
func summarizeDetails(details string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(details), &fields); err != nil {
		return details
	}
	if checksum, ok := fields["checksum"].(string); ok {
		fields["checksum"] = appcrypto.ShortFingerprint(checksum)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return details
	}
	return string(out)
}
