// Command gorent downloads a single torrent from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/gorent/bittorrent/internal/session"
	"github.com/gorent/bittorrent/metainfo"
)

type cliArgs struct {
	TorrentPath string `arg:"positional,required" help:"path to the .torrent file"`
	OutDir      string `arg:"--out" default:"." help:"directory to download the torrent's files into"`
	ListenPort  int    `arg:"--port" default:"6881" help:"TCP port to accept inbound peer connections on"`
	MaxPeers    int    `arg:"--max-peers" default:"50" help:"maximum number of simultaneous peer connections"`
	Verbose     bool   `arg:"--verbose" help:"enable debug logging"`
}

func (cliArgs) Description() string {
	return "gorent downloads the files described by a .torrent file."
}

func main() {
	var cli cliArgs
	arg.MustParse(&cli)

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cli.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(cli, log); err != nil {
		log.WithError(err).Fatal("gorent: fatal error")
	}
}

func run(cli cliArgs, log *logrus.Logger) error {
	f, err := os.Open(cli.TorrentPath)
	if err != nil {
		return fmt.Errorf("open torrent file: %w", err)
	}
	mi, err := metainfo.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	if err := os.MkdirAll(cli.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	cfg := session.DefaultConfig()
	cfg.ListenPort = cli.ListenPort
	cfg.MaxPeers = cli.MaxPeers

	entry := log.WithField("name", mi.Name)
	sess, err := session.New(mi, cli.OutDir, trackerURLs(mi), cfg, entry)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer sess.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entry.WithFields(logrus.Fields{
		"size":   humanize.Bytes(uint64(mi.TotalLength)),
		"pieces": mi.NumPieces(),
	}).Info("gorent: starting torrent")

	go reportProgress(ctx, sess, mi)

	return sess.Run(ctx)
}

// trackerURLs flattens the primary announce URL and the tiered
// announce-list into the single ordered slice TrackerClient fans out to.
func trackerURLs(mi *metainfo.MetaInfo) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

func reportProgress(ctx context.Context, sess *session.Session, mi *metainfo.MetaInfo) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := sess.NumPieces()
			incomplete := sess.Incomplete()
			done := total - incomplete
			fmt.Printf("gorent: %s/%s pieces complete\n", humanize.Comma(int64(done)), humanize.Comma(int64(total)))
			if incomplete == 0 {
				fmt.Println("gorent: download complete")
				return
			}
		}
	}
}
