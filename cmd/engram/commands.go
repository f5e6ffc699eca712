package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/archive"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

func buildSearchCmd() *cobra.Command {
	var (
		serverURL string
		limit     int
		session   string
		rerank    bool
		tier      string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored memory and lineage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			req := &models.SearchRequest{
				Text:       strings.Join(args, " "),
				Limit:      limit,
				Rerank:     rerank,
				RerankTier: models.RerankTier(tier),
			}
			if session != "" {
				req.Filters = &models.SearchFilters{SessionID: session}
			}
			resp, err := client.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			printResults(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Engram server URL")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")
	cmd.Flags().StringVar(&session, "session", "", "Restrict to one session")
	cmd.Flags().BoolVar(&rerank, "rerank", false, "Apply cross-encoder reranking")
	cmd.Flags().StringVar(&tier, "tier", "", "Rerank tier: fast, accurate, code, llm")
	return cmd
}

func buildRememberCmd() *cobra.Command {
	var (
		serverURL string
		session   string
		memType   string
		tags      []string
	)
	cmd := &cobra.Command{
		Use:   "remember <content>",
		Short: "Store an explicit memory unit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			res, err := client.Remember(cmd.Context(), map[string]any{
				"content":    strings.Join(args, " "),
				"session_id": session,
				"type":       memType,
				"tags":       tags,
			})
			if err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Printf("duplicate of %s\n", res.ID)
				return nil
			}
			fmt.Printf("stored %s\n", res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Engram server URL")
	cmd.Flags().StringVar(&session, "session", "", "Session to attach the memory to")
	cmd.Flags().StringVar(&memType, "type", "fact", "Memory type: fact, decision, preference, insight")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags (repeatable)")
	return cmd
}

func buildRecallCmd() *cobra.Command {
	var (
		serverURL string
		session   string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall memories relevant to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			req := &models.SearchRequest{Text: strings.Join(args, " "), Limit: limit}
			if session != "" {
				req.Filters = &models.SearchFilters{SessionID: session}
			}
			resp, err := client.Recall(cmd.Context(), req)
			if err != nil {
				return err
			}
			printResults(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Engram server URL")
	cmd.Flags().StringVar(&session, "session", "", "Restrict to one session")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")
	return cmd
}

func buildQueryCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "query <cypher>",
		Short: "Run a read-only graph query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(serverURL)
			nodes, err := client.Query(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(nodes)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Engram server URL")
	return cmd
}

func buildPruneCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Run one prune pass over expired graph rows",
		Long: `Remove graph rows whose transaction interval closed before the retention
window. When an archive bucket is configured the pruned rows are written
to S3 as JSONL first. Runs directly against the graph store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			log := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: "text",
			})

			store, err := openGraphStore(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			var archiver graph.Archiver
			if cfg.Pruner.ArchiveBucket != "" {
				archiver, err = archive.NewS3Archiver(cmd.Context(), archive.Config{
					Bucket: cfg.Pruner.ArchiveBucket,
					Prefix: cfg.Pruner.ArchivePrefix,
				}, log)
				if err != nil {
					return err
				}
			}

			schedule := cfg.Pruner
			schedule.Schedule = ""
			pruner := graph.NewPruner(store, archiver, cfg.Graph.Retention, schedule, log)

			start := time.Now()
			removed, err := pruner.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d rows in %s\n", removed, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func printResults(resp *models.SearchResponse) {
	if resp.Degraded {
		fmt.Println("(degraded results)")
	}
	if len(resp.Results) == 0 {
		fmt.Println("no results")
		return
	}
	for i, r := range resp.Results {
		content, _ := r.Payload["content"].(string)
		if len(content) > 120 {
			content = content[:120] + "…"
		}
		fmt.Printf("%2d. %.4f  %s  %s\n", i+1, r.Score, r.ID, content)
	}
	fmt.Printf("%d results in %dms\n", resp.Total, resp.TookMS)
}
