package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/hybridstore"
	"github.com/liliang-cn/hybridstore/pkg/blobstore"
	"github.com/liliang-cn/hybridstore/pkg/hybridsearch"
	"github.com/liliang-cn/hybridstore/pkg/ingest"
)

var (
	dbPath     string
	collection string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "hybridstore",
	Short: "CLI tool for the embedded hybrid BM25+vector retrieval engine",
	Long:  `A command-line interface for ingesting documents and running hybrid lexical/vector search over a hybridstore database.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new database and its default collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		fmt.Printf("Database initialized at %s\n", dbPath)
		return nil
	},
}

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Manage documents",
}

var docAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Insert or update a document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id string
		if len(args) == 1 {
			id = args[0]
		}

		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		vectorStr, _ := cmd.Flags().GetString("vector")

		metadata := make(map[string]string)
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}
		vector, err := parseVectorFlag(vectorStr)
		if err != nil {
			return err
		}

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		ctx := context.Background()
		insertedID, err := engine.InsertDocument(ctx, collection, ingest.Document{
			ID:       id,
			Title:    title,
			Content:  content,
			Metadata: metadata,
			Vector:   vector,
		}, ingest.Options{})
		if err != nil {
			return fmt.Errorf("failed to add document: %w", err)
		}

		fmt.Printf("Document '%s' added to collection '%s'\n", insertedID, collection)
		return nil
	},
}

var docBatchCmd = &cobra.Command{
	Use:   "batch <json-file>",
	Short: "Insert documents in batch from a JSON file",
	Long:  `Insert documents in batch from a JSON file. Each document may carry a "Vector" array matching the target collection's declared dimension.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		var docs []ingest.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		ctx := context.Background()
		ids, err := engine.BatchInsertDocuments(ctx, collection, docs, ingest.Options{})
		if err != nil {
			return fmt.Errorf("batch insert failed: %w", err)
		}

		fmt.Printf("Successfully added %d documents\n", len(ids))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a hybrid lexical/vector search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := args[0]

		limit, _ := cmd.Flags().GetInt("limit")
		fusion, _ := cmd.Flags().GetString("fusion")
		vectorStr, _ := cmd.Flags().GetString("vector")
		outputJSON, _ := cmd.Flags().GetBool("json")

		vector, err := parseVectorFlag(vectorStr)
		if err != nil {
			return err
		}

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		ctx := context.Background()
		resp := engine.Search(ctx, hybridsearch.Request{
			Collection: collection,
			Query:      hybridsearch.Query{Text: text, Vector: vector},
			Limit:      limit,
			Fusion:     hybridsearch.FusionMethod(fusion),
			Weights:    hybridsearch.DefaultWeights(),
		})

		if outputJSON {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Found %d results in %.2fms:\n", resp.TotalResults, resp.SearchTimeMS)
		for i, r := range resp.Results {
			fmt.Printf("%d. %s (score: %.4f, fts: %.4f, vec: %.4f)\n", i+1, r.ID, r.Score, r.FTSScore, r.VecScore)
			if verbose && r.Content != "" {
				fmt.Printf("   %s\n", r.Content)
			}
		}
		return nil
	},
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage collections",
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dimensions, _ := cmd.Flags().GetInt("dimensions")

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		ctx := context.Background()
		result, err := engine.Dispatch(ctx, "createCollection", hybridstore.CreateCollectionArgs{
			Name: name, Dimensions: dimensions,
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		_ = result
		fmt.Printf("Collection '%s' created\n", name)
		return nil
	},
}

var collectionInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Display a collection's metadata and document count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		outputJSON, _ := cmd.Flags().GetBool("json")

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		ctx := context.Background()
		result, err := engine.Dispatch(ctx, "getCollectionInfo", name)
		if err != nil {
			return fmt.Errorf("failed to get collection info: %w", err)
		}
		info := result.(hybridstore.CollectionInfoResult)

		if outputJSON {
			data, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Collection: %s\n", info.Name)
		fmt.Printf("  Dimensions: %d\n", info.Dimensions)
		fmt.Printf("  Documents: %d\n", info.DocumentCount)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display engine statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		outputJSON, _ := cmd.Flags().GetBool("json")

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close(context.Background())

		ctx := context.Background()
		result, err := engine.Dispatch(ctx, "getStats", nil)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		stats := result.(hybridstore.StatsResult)

		if outputJSON {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Println("Engine statistics:")
		fmt.Printf("  Initialized: %v\n", stats.Initialized)
		fmt.Printf("  Operations served: %d\n", stats.OperationCount)
		fmt.Printf("  Vector index available: %v\n", stats.VectorAvailable)
		return nil
	},
}

// parseVectorFlag parses a comma-separated list of floats into a vector,
// shared by search's and doc add's --vector flags. An empty string yields
// a nil vector (no vector query/entry), not an error.
func parseVectorFlag(vectorStr string) ([]float32, error) {
	if vectorStr == "" {
		return nil, nil
	}
	var vector []float32
	for _, part := range strings.Split(vectorStr, ",") {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func openEngine() (*hybridstore.Engine, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}

	cfg := hybridstore.DefaultConfig(dbPath)
	if dbPath != ":memory:" {
		cfg.Blob = blobstore.NewFilesystemBlobStore(".")
	}

	engine, err := hybridstore.Open(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "opfs:/hybridstore.db", "Logical database path")
	rootCmd.PersistentFlags().StringVarP(&collection, "collection", "c", "default", "Collection name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	docCmd.AddCommand(docAddCmd, docBatchCmd)
	docAddCmd.Flags().String("title", "", "Document title")
	docAddCmd.Flags().String("content", "", "Document content")
	docAddCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	docAddCmd.Flags().String("vector", "", "Embedding vector (comma-separated), must match the collection's dimension")

	searchCmd.Flags().Int("limit", 10, "Number of results")
	searchCmd.Flags().String("fusion", "rrf", "Fusion method for hybrid search (rrf/weighted)")
	searchCmd.Flags().String("vector", "", "Query vector (comma-separated), for vector/hybrid search")
	searchCmd.Flags().Bool("json", false, "Output as JSON")

	collectionCmd.AddCommand(collectionCreateCmd, collectionInfoCmd)
	collectionCreateCmd.Flags().Int("dimensions", 0, "Vector dimensions (0 uses the engine default)")
	collectionInfoCmd.Flags().Bool("json", false, "Output as JSON")

	statsCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		initCmd,
		docCmd,
		searchCmd,
		collectionCmd,
		statsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
