package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/memoir/pkg/builder"
	"github.com/cuemby/memoir/pkg/search"
	"github.com/cuemby/memoir/pkg/service"
	"github.com/cuemby/memoir/pkg/types"
)

var (
	indexFlag    string
	tagFlags     []string
	documentID   string
	minRelevance float64
	limitFlag    int
)

func init() {
	for _, c := range []*cobra.Command{importCmd, askCmd, searchCmd, statusCmd, deleteCmd} {
		c.Flags().StringVarP(&indexFlag, "index", "i", "", "target index (default index when omitted)")
	}
	importCmd.Flags().StringSliceVarP(&tagFlags, "tag", "t", nil, "tag as key=value, repeatable")
	importCmd.Flags().StringVar(&documentID, "document-id", "", "document id (generated when omitted)")
	askCmd.Flags().Float64Var(&minRelevance, "min-relevance", 0, "minimum cosine relevance (0 uses the default)")
	askCmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum partitions to retrieve (0 uses the default)")
	searchCmd.Flags().Float64Var(&minRelevance, "min-relevance", 0, "minimum cosine relevance (0 uses the default)")
	searchCmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum results (0 uses the default)")
}

// withMemory builds the node and hands the Memory facade to fn
func withMemory(cmd *cobra.Command, fn func(ctx context.Context, mem service.Memory) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svcs, err := builder.Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer svcs.Close()
	svcs.Broker.Start()
	defer svcs.Broker.Stop()

	return fn(cmd.Context(), svcs.Memory)
}

func parseTags(pairs []string) (types.TagCollection, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := types.TagCollection{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("tag %q is not key=value", pair)
		}
		tags.Add(key, value)
	}
	return tags, nil
}

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import documents into memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := parseTags(tagFlags)
		if err != nil {
			return err
		}

		var files []types.UploadFile
		for _, path := range args {
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			files = append(files, types.UploadFile{
				Name:    filepath.Base(path),
				Content: content,
			})
		}

		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			id, err := mem.ImportDocument(ctx, types.DocumentUpload{
				Index:      indexFlag,
				DocumentID: documentID,
				Files:      files,
				Tags:       tags,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Document imported: %s\n", id)
			return nil
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question grounded in memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			answer, err := mem.Ask(ctx, indexFlag, args[0], search.Options{
				MinRelevance: minRelevance,
				Limit:        limitFlag,
			})
			if err != nil {
				return err
			}
			fmt.Println(answer.Answer)
			for _, c := range answer.RelevantSources {
				fmt.Printf("  - %s (%s, relevance %.2f)\n", c.FileName, c.DocumentID, c.Relevance)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search raw memory partitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			results, err := mem.Search(ctx, indexFlag, args[0], search.Options{
				MinRelevance: minRelevance,
				Limit:        limitFlag,
			})
			if err != nil {
				return err
			}
			for _, r := range results {
				text, _ := r.Record.Payload[types.PayloadText].(string)
				fmt.Printf("[%.2f] %s\n", r.Relevance, text)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document's ingestion status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			status, err := mem.GetDocumentStatus(ctx, indexFlag, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Document: %s/%s\n", status.Index, status.DocumentID)
			fmt.Printf("State: %s\n", status.State)
			fmt.Printf("Completed: %s\n", strings.Join(status.Completed, ", "))
			if len(status.Remaining) > 0 {
				fmt.Printf("Remaining: %s\n", strings.Join(status.Remaining, ", "))
			}
			if status.FailureReason != "" {
				fmt.Printf("Failure: %s\n", status.FailureReason)
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document from memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			if err := mem.DeleteDocument(ctx, indexFlag, args[0]); err != nil {
				return err
			}
			fmt.Println("Document deleted")
			return nil
		})
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage vector indexes",
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vector indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			infos, err := mem.ListIndexes(ctx)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Println(info.Name)
			}
			return nil
		})
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a vector index and all its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd, func(ctx context.Context, mem service.Memory) error {
			if err := mem.DeleteIndex(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Index deleted")
			return nil
		})
	},
}

func init() {
	indexCmd.AddCommand(indexListCmd)
	indexCmd.AddCommand(indexDeleteCmd)
}
