package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ydb-platform/storage-manager/internal/server"
	"github.com/ydb-platform/storage-manager/internal/service"
)

const defaultSocket = "/run/storage-manager/storage-manager.sock"

var (
	socketPath   string
	outputFormat string
	timeout      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storagectl",
	Short: "Query and manage the devices of a storage-manager daemon",
	Long: `storagectl talks to a running storage-manager over its unix socket.

Devices, formats and actions are addressed by their object paths, for
example /ydb/StorageManager1/Devices/3.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return ValidateFormat(outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "storage-manager socket")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", string(FormatTable), "output format: table, yaml or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(initDiskCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(exitCmd)
}

// withClient runs fn against the daemon with the request timeout applied.
func withClient(fn func(context.Context, service.Service) error) error {
	client, err := server.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, client)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List exported devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			paths, err := svc.ListDevices(ctx)
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			objects := make([]service.ObjectProperties, 0, len(paths))
			for _, path := range paths {
				obj, err := svc.DescribeObject(ctx, path)
				if err != nil {
					return fmt.Errorf("failed to describe %s: %w", path, err)
				}
				objects = append(objects, obj)
			}
			return printObjects(cmd.OutOrStdout(), Format(outputFormat), objects)
		})
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <object-path>",
	Short: "Show the properties of a device, format or action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			obj, err := svc.DescribeObject(ctx, args[0])
			if err != nil {
				return err
			}
			return printObject(cmd.OutOrStdout(), Format(outputFormat), obj)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <spec>",
	Short: "Find the object path of a device",
	Long: `Resolve a device specifier to the object path of the device.

A specifier is a device name, a /dev path, a sysfs path, UUID=<uuid> or
LABEL=<label>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			path, err := svc.ResolveDevice(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <object-path>",
	Short: "Forget a device and everything built on it",
	Long: `Remove a device and its descendants from the device tree.

Nothing is changed on disk; the device comes back on the next reset or
uevent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			return svc.RemoveDevice(ctx, args[0])
		})
	},
}

var initDiskCmd = &cobra.Command{
	Use:   "init-disk <object-path>",
	Short: "Wipe a disk and write an empty GPT disk label",
	Long: `Initialize a disk: everything on it is destroyed and an empty GPT disk
label is written. The disk is exported again under a new object path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			disk, err := svc.DescribeObject(ctx, args[0])
			if err != nil {
				return err
			}
			if err := svc.InitializeDisk(ctx, args[0]); err != nil {
				return err
			}
			path, err := svc.ResolveDevice(ctx, disk.Name)
			if err != nil {
				return fmt.Errorf("disk %s was initialized but not rediscovered: %w", disk.Name, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the device tree and discover it again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			return svc.Reset(ctx)
		})
	},
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, svc service.Service) error {
			return svc.Exit(ctx)
		})
	},
}
