package main

import (
	"fmt"
	"os"
	"strings"

	"chatbridge/internal/bridge"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

func loadConfig(path string) (bridge.Config, error) {
	_ = godotenv.Load()
	if path == "" {
		path = os.Getenv("CHATBRIDGE_CONFIG")
	}
	if path == "" {
		path = bridge.DefaultConfigPath()
	}
	cfg, err := bridge.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if root := strings.TrimSpace(os.Getenv("CHATBRIDGE_STORAGE_ROOT")); root != "" {
		cfg.StorageRoot = root
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "Conversation state engine for the chat <-> agent bridge",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain persisted conversation state",
	}

	sessions.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List channels with persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := cfg.NewStore()
			if err != nil {
				return err
			}
			channels, err := store.ListChannels()
			if err != nil {
				return err
			}
			for _, ch := range channels {
				sess, err := store.Get(bridge.RootID(ch))
				if err != nil || sess == nil {
					fmt.Println(ch)
					continue
				}
				id := sess.AgentSessionID
				if id == "" {
					id = "(cleared)"
				}
				fmt.Printf("%s\tsession=%s\tturns=%d\tlast=%s\n",
					ch, id, len(sess.TurnMap), sess.LastActiveAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	sessions.AddCommand(&cobra.Command{
		Use:   "delete <channel>",
		Short: "Delete a channel's sessions and print agent session ids needing backend cleanup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := cfg.NewStore()
			if err != nil {
				return err
			}
			ids, err := store.Delete(args[0])
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("nothing to delete")
				return nil
			}
			fmt.Println("agent sessions to clean up:")
			for _, id := range ids {
				fmt.Println("  " + id)
			}
			return nil
		},
	})

	root.AddCommand(sessions)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
