package main

import (
	"fmt"
	"os"
	"os/signal"

	"shielded-pool/common"
	"shielded-pool/config"
	dbUtils "shielded-pool/database"
	"shielded-pool/log"
	"shielded-pool/node"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

const (
	flagCfg     = "cfg"
	flagEnv     = "env"
	flagYes     = "yes"
	nMigrations = "nMigrations"
)

func parseCli(c *cli.Context) (*config.Node, error) {
	cfg, err := getConfig(c)
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

// getConfig loads the optional env file before the configuration so that
// its variables override the file values
func getConfig(c *cli.Context) (*config.Node, error) {
	if envPath := c.String(flagEnv); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, common.Wrap(err)
		}
	}
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

func waitSigInt() {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			if sig == os.Interrupt {
				log.Info("Received Interrupt Signal")
				stopCh <- nil
				n++
				if n == forceStopCount {
					log.Fatalf("Received %v Interrupt Signals", forceStopCount)
				}
			}
		}
	}()
	<-stopCh
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrapf(err, "error parsing flags and config")
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	innerNode, err := node.NewNode(cfg, c.App.Version)
	if err != nil {
		return common.Wrapf(err, "error starting node")
	}
	innerNode.Start()
	waitSigInt()
	innerNode.Stop()

	return nil
}

func cmdWipeDB(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrapf(err, "error parsing flags and config")
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	if !c.Bool(flagYes) {
		fmt.Print("*WARNING* Are you sure you want to delete the SQL DB and the tree DBs? [y/N]: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil || (input != "y" && input != "Y") {
			log.Info("Aborted")
			return nil
		}
	}
	dbRead, dbWrite, err := node.InitSQLDBs(cfg)
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if dbRead != dbWrite {
			_ = dbRead.Close()
		}
		_ = dbWrite.Close()
	}()
	log.Infof("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(dbWrite.DB, c.Uint(nMigrations)); err != nil {
		return common.Wrapf(err, "dbUtils.MigrationsDown")
	}
	log.Infof("Wiping tree DBs at %v...", cfg.TreeDB.Path)
	if err := os.RemoveAll(cfg.TreeDB.Path); err != nil {
		return common.Wrapf(err, "os.RemoveAll")
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "poolnode"
	app.Usage = "Shielded pool deposit queue coordinator and batch tree updater"
	app.Version = "v1"

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: false,
		},
		&cli.StringFlag{
			Name:     flagEnv,
			Usage:    "Optional dotenv `FILE` with environment overrides",
			Required: false,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the pool node",
			Action:  cmdRun,
			Flags:   flags,
		},
		{
			Name:    "wipedb",
			Aliases: []string{},
			Usage: "Wipe the SQL DB (pool state, deposit queue and batches) " +
				"and the tree checkpoints, leaving the DB in a clean state",
			Action: cmdWipeDB,
			Flags: append(flags,
				&cli.UintFlag{
					Name:  nMigrations,
					Usage: "amount of migrations to be done (0 for all)",
					Value: 0,
				},
				&cli.BoolFlag{
					Name:  flagYes,
					Usage: "automatic yes to the prompt",
				}),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
