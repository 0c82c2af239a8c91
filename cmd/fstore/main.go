package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/fstore/config"
	"github.com/jaywantadh/fstore/internal/history"
	"github.com/jaywantadh/fstore/internal/session"
	"github.com/jaywantadh/fstore/internal/storeserver"
	"github.com/jaywantadh/fstore/internal/transfer"
	"github.com/jaywantadh/fstore/pkg/env"
	"github.com/jaywantadh/fstore/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnv("FSTORE_DEBUG", "") != "")

	app := &cli.App{
		Name:  "fstore",
		Usage: "chunked file transfer client for a remote file store",
		Commands: []*cli.Command{
			pushCommand(),
			pullCommand(),
			imageCommand(),
			showCommand(),
			infoCommand(),
			historyCommand(),
			serveCommand(),
			createCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "upload a local file to the store",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "remote directory to push into"},
			&cli.UintFlag{Name: "block", Usage: "block size in bytes (0 = configured default)"},
			&cli.BoolFlag{Name: "overwrite", Usage: "replace the remote file if it exists"},
		},
		Action: func(c *cli.Context) error {
			localPath := c.Args().First()
			if localPath == "" {
				return cli.Exit("push: file argument is required", 2)
			}

			sess, err := newSession()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			remotePath := filepath.Base(localPath)
			if dir := c.String("dir"); dir != "" {
				remotePath = path.Join(filepath.ToSlash(dir), remotePath)
			}

			desc := transfer.Descriptor{
				LocalPath:  localPath,
				RemotePath: remotePath,
				BlockSize:  blockSize(c),
				Overwrite:  c.Bool("overwrite"),
			}

			ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stopSignals()

			var size uint64
			if info, err := os.Stat(localPath); err == nil {
				size = uint64(info.Size())
			}
			prog := transfer.NewProgress(remotePath, size)
			stop := make(chan struct{})
			go prog.Monitor(500*time.Millisecond, stop)

			err = transfer.Push(ctx, sess, desc, prog)
			close(stop)

			recordHistory(history.Record{
				Op: "push", LocalPath: localPath, RemotePath: remotePath,
				Size: size, Outcome: outcome(err), Reason: reason(err),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("push failed: %v", err), 1)
			}
			fmt.Printf("pushed %s -> %s\n", localPath, remotePath)
			return nil
		},
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "download a remote file",
		ArgsUsage: "<remote-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "save", Aliases: []string{"s"}, Usage: "local save path (file or directory)"},
			&cli.BoolFlag{Name: "async", Usage: "pipeline block requests for higher throughput"},
			&cli.UintFlag{Name: "block", Usage: "block size in bytes (0 = configured default)"},
			&cli.UintFlag{Name: "concurrency", Usage: "outstanding requests in async mode (0 = configured default)"},
			&cli.BoolFlag{Name: "overwrite", Usage: "replace the local file if it exists"},
		},
		Action: func(c *cli.Context) error {
			remotePath := c.Args().First()
			if remotePath == "" {
				return cli.Exit("pull: remote file argument is required", 2)
			}

			sess, err := newSession()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stopSignals()

			// The save path may point at a directory; the remote base name
			// lands inside it then.
			localPath := c.String("save")
			if localPath == "" {
				localPath = path.Base(remotePath)
			} else if info, err := os.Stat(localPath); err == nil && info.IsDir() {
				localPath = filepath.Join(localPath, path.Base(remotePath))
			}

			mode := transfer.ModeSync
			if c.Bool("async") {
				mode = transfer.ModeAsync
			}

			desc := transfer.Descriptor{
				LocalPath:      localPath,
				RemotePath:     remotePath,
				BlockSize:      blockSize(c),
				Overwrite:      c.Bool("overwrite"),
				Mode:           mode,
				MaxConcurrency: maxConcurrency(c),
			}

			var size uint64
			if info, err := sess.Stat(ctx, remotePath); err == nil {
				size = info.Size
			}
			prog := transfer.NewProgress(localPath, size)
			stop := make(chan struct{})
			go prog.Monitor(500*time.Millisecond, stop)

			err = transfer.Pull(ctx, sess, desc, prog)
			close(stop)

			recordHistory(history.Record{
				Op: "pull", LocalPath: localPath, RemotePath: remotePath,
				Size: size, Outcome: outcome(err), Reason: reason(err),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("pull failed: %v", err), 1)
			}
			fmt.Printf("pulled %s -> %s\n", remotePath, localPath)
			return nil
		},
	}
}

func imageCommand() *cli.Command {
	return &cli.Command{
		Name:  "image",
		Usage: "operate on directory trees",
		Subcommands: []*cli.Command{
			{
				Name:      "push",
				Usage:     "upload a directory tree to the store",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "remote directory to push into"},
					&cli.UintFlag{Name: "block", Usage: "block size in bytes (0 = configured default)"},
					&cli.BoolFlag{Name: "overwrite", Usage: "replace remote files that exist"},
				},
				Action: func(c *cli.Context) error {
					root := c.Args().First()
					if root == "" {
						return cli.Exit("image push: path argument is required", 2)
					}

					sess, err := newSession()
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}

					ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt)
					defer stopSignals()

					opts := transfer.ImageOptions{
						RemoteDir: c.String("dir"),
						BlockSize: blockSize(c),
						Overwrite: c.Bool("overwrite"),
						OnFileStart: func(remotePath string, size uint64) *transfer.Progress {
							fmt.Printf("pushing %s (%s)\n", remotePath, transfer.FormatBytes(size))
							return nil
						},
					}

					report, err := transfer.PushImage(ctx, sess, root, opts)
					if report != nil {
						printReport(report)
						recordHistory(history.Record{
							Op: "image", LocalPath: root, RemotePath: c.String("dir"),
							Outcome: outcome(err), Reason: reason(err),
						})
					}
					if err != nil {
						return cli.Exit(fmt.Sprintf("image push failed: %v", err), 1)
					}
					if report.Failed() > 0 {
						return cli.Exit(fmt.Sprintf("image push: %d file(s) failed", report.Failed()), 1)
					}
					return nil
				},
			},
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "list a remote directory",
		ArgsUsage: "<remote-dir>",
		Action: func(c *cli.Context) error {
			sess, err := newSession()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			entries, err := sess.List(context.Background(), c.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("show failed: %v", err), 1)
			}

			for _, e := range entries {
				name := e.Name
				if e.Dir {
					name += "/"
				}
				fmt.Printf("%10s    %s    %s\n",
					transfer.FormatBytes(e.Size),
					e.Created.Local().Format("02/01/2006 15:04:05"),
					name)
			}
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show metadata for a remote file",
		ArgsUsage: "<remote-file>",
		Action: func(c *cli.Context) error {
			remotePath := c.Args().First()
			if remotePath == "" {
				return cli.Exit("info: remote file argument is required", 2)
			}

			sess, err := newSession()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			info, err := sess.Stat(context.Background(), remotePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("info failed: %v", err), 1)
			}

			fmt.Printf("file name: %s\n", info.Name)
			fmt.Printf("size: %d Byte (%s)\n", info.Size, transfer.FormatBytes(info.Size))
			fmt.Printf("digest: %s\n", info.Digest)
			fmt.Printf("create time: %s\n", info.Created.Local().Format("02/01/2006 15:04:05"))
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show recent transfers",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "number of records to show"},
		},
		Action: func(c *cli.Context) error {
			if err := loadConfig(); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			store, err := history.Open(config.Config.HistoryPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer store.Close()

			records, err := store.Recent(c.Int("limit"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			for _, rec := range records {
				line := fmt.Sprintf("%s  %-5s  %-7s  %s -> %s",
					rec.When.Local().Format("02/01/2006 15:04:05"),
					rec.Op, rec.Outcome, rec.LocalPath, rec.RemotePath)
				if rec.Reason != "" {
					line += "  (" + rec.Reason + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a local file-store server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Value: "./store", Usage: "directory served as the store"},
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7575", Usage: "listen address"},
		},
		Action: func(c *cli.Context) error {
			srv, err := storeserver.New(c.String("root"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := srv.ListenAndServe(c.String("addr")); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "write a starter config.yaml in the current directory",
		Action: func(c *cli.Context) error {
			if err := os.WriteFile("config.yaml", []byte(config.DefaultConfigFile), 0644); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Println("wrote config.yaml")
			return nil
		},
	}
}

func loadConfig() error {
	return config.LoadConfig(".")
}

// newSession loads the configuration and builds the store client from it.
func newSession() (*session.Client, error) {
	if err := loadConfig(); err != nil {
		return nil, err
	}
	tlsConfig, err := config.Config.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	return session.NewClient(config.Config.ServerAddr, session.Options{
		Timeout:  config.Config.RequestTimeout,
		TLS:      tlsConfig,
		Compress: config.Config.Compress,
	}), nil
}

func blockSize(c *cli.Context) uint32 {
	if n := c.Uint("block"); n > 0 {
		return uint32(n)
	}
	if config.Config != nil {
		return config.Config.BlockSize
	}
	return 0
}

func maxConcurrency(c *cli.Context) int {
	if n := c.Uint("concurrency"); n > 0 {
		return int(n)
	}
	if config.Config != nil {
		return config.Config.MaxConcurrency
	}
	return 0
}

// recordHistory appends to the local journal; journal trouble never fails
// the transfer itself.
func recordHistory(rec history.Record) {
	if config.Config == nil || config.Config.HistoryPath == "" {
		return
	}
	store, err := history.Open(config.Config.HistoryPath)
	if err != nil {
		logging.Log.WithError(err).Warn("failed to open history store")
		return
	}
	defer store.Close()
	if err := store.Append(rec); err != nil {
		logging.Log.WithError(err).Warn("failed to record transfer")
	}
}

func printReport(report *transfer.Report) {
	for _, res := range report.Results {
		switch res.Outcome {
		case transfer.OutcomeSuccess:
			fmt.Printf("  ok      %s\n", res.RemotePath)
		case transfer.OutcomeSkipped:
			fmt.Printf("  skip    %s\n", res.RemotePath)
		default:
			fmt.Printf("  failed  %s: %v\n", res.RemotePath, res.Err)
		}
	}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, session.ErrAlreadyExists) {
		return "skipped"
	}
	return "failed"
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
