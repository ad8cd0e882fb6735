package main

import (
	"fmt"
	"runtime"

	"github.com/duskpoint/memscan/internal/backend"
	"github.com/duskpoint/memscan/internal/config"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check whether this environment can satisfy the platform backend's requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("memscan doctor")
			fmt.Println()

			fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Println()

			fmt.Println("Backend environment:")
			gaps := backend.CheckEnvironment()
			if len(gaps) == 0 {
				fmt.Println("  no gaps detected")
			} else {
				for _, gap := range gaps {
					fmt.Printf("  - %s\n", gap)
				}
			}
			fmt.Println()

			path, err := config.DefaultConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			fmt.Println("Config:")
			fmt.Printf("  path:                %s\n", path)
			fmt.Printf("  log_level:           %s\n", cfg.LogLevel)
			fmt.Printf("  region_window_limit: %d\n", cfg.RegionWindowLimit)

			return nil
		},
	}
}
