// 离线存储运维命令行：查看统计、清理过期、清空、按区域读取；可选初始化上游表结构
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"anomaly-map/internal/config"
	"anomaly-map/internal/geo"
	"anomaly-map/internal/kv"
	"anomaly-map/internal/migrate"
	"anomaly-map/internal/model"
	"anomaly-map/internal/offline"
	"anomaly-map/internal/utils"
)

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  stats")
	fmt.Println("  size")
	fmt.Println("  prune")
	fmt.Println("  clear")
	fmt.Println("  get <north> <south> <east> <west>")
	fmt.Println("  schema")
	fmt.Println("  help")
	fmt.Println("  exit")
}

type admin struct {
	cfg   config.Config
	store kv.Store
	off   *offline.Store
}

func (a *admin) run(ctx context.Context, parts []string) error {
	switch strings.ToLower(parts[0]) {
	case "help":
		printHelp()
	case "stats":
		b, _ := json.MarshalIndent(a.off.Stats(), "", "  ")
		fmt.Println(string(b))
	case "size":
		n, err := a.store.Size(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s backend size: %d bytes\n", a.cfg.KV.Backend, n)
	case "prune":
		n, err := a.off.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d expired entries\n", n)
	case "clear":
		if err := a.off.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("offline store cleared")
	case "get":
		if len(parts) < 5 {
			return fmt.Errorf("usage: get <north> <south> <east> <west>")
		}
		var v [4]float64
		for i := 0; i < 4; i++ {
			f, err := strconv.ParseFloat(parts[i+1], 64)
			if err != nil {
				return fmt.Errorf("bad bound %q", parts[i+1])
			}
			v[i] = f
		}
		r := geo.Region{North: v[0], South: v[1], East: v[2], West: v[3]}
		if err := r.Validate(); err != nil {
			return err
		}
		events, err := a.off.Retrieve(ctx, r, model.DefaultFilters())
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s  %s  %.5f,%.5f  sev=%d conf=%.2f\n", e.ID, e.CreatedAt.Format(time.RFC3339), e.Lat, e.Lon, e.Severity, e.Confidence)
		}
		fmt.Printf("%d events\n", len(events))
	case "schema":
		db, err := utils.OpenPostgres(a.cfg.Postgres.Params())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			return err
		}
		fmt.Println("schema ok")
	default:
		return fmt.Errorf("unknown command %q", parts[0])
	}
	return nil
}

func main() {
	var envFile string
	var oneShot []string
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--env" && i+1 < len(os.Args) {
			envFile = os.Args[i+1]
			i++
		} else if strings.HasSuffix(os.Args[i], ".env") {
			envFile = os.Args[i]
		} else {
			oneShot = append(oneShot, os.Args[i])
		}
	}
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load(".env")
	}
	// 上游配置缺失不影响离线存储运维
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("config warning:", err)
	}
	store, err := kv.Open(cfg.KV.Options())
	if err != nil {
		fmt.Println("kv error:", err)
		os.Exit(1)
	}
	defer store.Close()
	ctx := context.Background()
	off, err := offline.Open(ctx, store, cfg.Offline)
	if err != nil {
		fmt.Println("offline store error:", err)
		os.Exit(1)
	}
	a := &admin{cfg: cfg, store: store, off: off}
	if len(oneShot) > 0 {
		if err := a.run(ctx, oneShot); err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		return
	}
	fmt.Println("offline admin ready, backend:", cfg.KV.Backend)
	printHelp()
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if p := strings.ToLower(parts[0]); p == "exit" || p == "quit" {
			return
		}
		if err := a.run(ctx, parts); err != nil {
			fmt.Println("error:", err)
		}
	}
}
