package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/kb-sync/cmd/kbsync/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}

	app := &cli.Command{
		Name:  "kbsync",
		Usage: "ナレッジベース同期オーケストレーションシステム",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTP API サーバとバックグラウンドワーカーを起動",
				Flags: []cli.Flag{
					envFlag,
				},
				Action: commands.ServerAction,
			},
			{
				Name:  "sync",
				Usage: "同期ジョブの操作コマンド",
				Commands: []*cli.Command{
					{
						Name:  "enqueue",
						Usage: "同期ジョブを登録",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "workspace",
								Usage:    "ワークスペースID",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "scope",
								Usage:    "スコープID",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "connector",
								Usage: "コネクタ種別",
								Value: "upload",
							},
						},
						Action: commands.SyncEnqueueAction,
					},
					{
						Name:  "run",
						Usage: "pending のジョブをその場で実行して完了を待つ",
						Flags: []cli.Flag{
							envFlag,
						},
						Action: commands.SyncRunAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "ジョブ台帳の照会コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "スコープのジョブ履歴を表示",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "scope",
								Usage:    "スコープID",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "取得件数",
								Value: 20,
							},
						},
						Action: commands.JobListAction,
					},
				},
			},
			{
				Name:  "status",
				Usage: "スコープの同期状態と進捗を表示",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{
						Name:     "scope",
						Usage:    "スコープID",
						Required: true,
					},
				},
				Action: commands.StatusAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
