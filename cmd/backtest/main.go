package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/joho/godotenv"

	"symmetry-trader/internal/backtest"
	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/store"
	"symmetry-trader/internal/types"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		dataDir    = flag.String("data", "data/backtest", "directory of daily candle CSVs")
		index      = flag.String("index", "NIFTY", "index to replay")
		from       = flag.String("from", "", "first date to replay (YYYY-MM-DD), inclusive")
		to         = flag.String("to", "", "last date to replay (YYYY-MM-DD), inclusive")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}
	cfg, err := store.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	days, err := backtest.LoadDir(*dataDir)
	if err != nil {
		log.Fatal(err)
	}
	days, err = backtest.FilterDays(days, *from, *to)
	if err != nil {
		log.Fatal(err)
	}

	replayer, err := backtest.NewReplayer(cfg, *index)
	if err != nil {
		log.Fatal(err)
	}
	res, err := replayer.Run(context.Background(), days)
	if err != nil {
		log.Fatal(err)
	}

	metrics := backtest.Compute(res)
	backtest.WriteReport(os.Stdout, res, metrics)

	fmt.Println()
	breakdown := backtest.ExitBreakdown(res.Trades)
	reasons := make([]string, 0, len(breakdown))
	for reason := range breakdown {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Printf("%-20s %d\n", reason, breakdown[types.CloseReason(reason)])
	}
}
