package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerchat/config"
	"peerchat/network"
	"peerchat/storage"
)

var rootCmd = &cobra.Command{
	Use:   "peerchat",
	Short: "Two-party chat and file transfer over one TCP connection",
	Long: `peerchat connects two peers over a single TCP connection.

One side listens (default port 1501), the other connects. Both can then
exchange chat lines, typing indicators and files up to 2 GiB. Received
files are saved to the downloads directory.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "", "data directory for config.json and journal.db (default: $"+config.DataDirEnv+" or the OS config dir)")
	flags.String("downloads", "", "directory received files are saved to (default from config)")
	flags.String("log-level", "", "log level: debug, info, warn, error (default from config)")

	listenCmd.Flags().Int("port", 0, "TCP port to listen on (default from config, 1501)")
	listenCmd.Flags().Bool("no-advertise", false, "do not advertise this listener over mDNS")
	connectCmd.Flags().Int("port", network.DefaultPort, "TCP port of the listening peer")
	discoverCmd.Flags().Duration("timeout", 3*time.Second, "how long to browse for peers")
	journalCmd.Flags().Int("limit", 20, "number of events to show")
	journalCmd.Flags().String("type", "", "only show events of this type")
	journalCmd.Flags().String("session", "", "show the history of one session")
	journalCmd.Flags().String("transfer", "", "show the history of one file transfer")
	journalCmd.Flags().Bool("sessions", false, "list recorded sessions instead of events")

	rootCmd.AddCommand(listenCmd, connectCmd, discoverCmd, journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the resolved settings shared by every command.
type app struct {
	cfg     *config.Settings
	dataDir string
	logger  *logrus.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = resolved
	}

	cfg, _, err := config.LoadOrCreateIn(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if downloads, _ := cmd.Flags().GetString("downloads"); downloads != "" {
		cfg.DownloadsDir = downloads
	}

	levelName, _ := cmd.Flags().GetString("log-level")
	if levelName == "" {
		levelName = cfg.LogLevel
	}
	level, err := logrus.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(level)

	return &app{cfg: cfg, dataDir: dataDir, logger: logger}, nil
}

// openJournal opens the activity journal when enabled. A journal that cannot
// be opened is logged and skipped.
func (a *app) openJournal() *storage.Store {
	if !a.cfg.Journal() {
		return nil
	}
	store, dbPath, err := storage.Open(a.dataDir)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"function": "openJournal",
			"data_dir": a.dataDir,
			"error":    err.Error(),
		}).Warn("Activity journal unavailable")
		return nil
	}
	a.logger.WithFields(logrus.Fields{
		"function": "openJournal",
		"path":     dbPath,
	}).Debug("Activity journal opened")
	return store
}

func (a *app) closeJournal(store *storage.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		a.logger.WithField("error", err.Error()).Warn("Activity journal close failed")
	}
}
