package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zberg/go-beanbag/pkg/beanbag"
)

var (
	email      string
	configPath string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&email, "email", "", "Account email")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config with endpoint overrides")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setTempCmd)
	rootCmd.AddCommand(hvacCmd)
	rootCmd.AddCommand(presetCmd)
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(zonesCmd)
	rootCmd.AddCommand(metadataCmd)
}

func getClient() *beanbag.Client {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if email == "" {
		email = cfg.Email
	}
	if email == "" {
		fmt.Println("Email required. Use --email or set it in the config file.")
		os.Exit(1)
	}
	password := os.Getenv("BEANBAG_PASSWORD")
	if password == "" {
		fmt.Println("Password required. Set the BEANBAG_PASSWORD environment variable.")
		os.Exit(1)
	}

	var opts []beanbag.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, beanbag.WithBaseURL(cfg.BaseURL))
	}
	if cfg.WSURL != "" {
		opts = append(opts, beanbag.WithWSURL(cfg.WSURL))
	}
	if verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		opts = append(opts, beanbag.WithLogger(logger))
	}

	client, err := beanbag.NewClient(opts...)
	if err != nil {
		fmt.Printf("Error creating client: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := client.Login(ctx, email, password); err != nil {
		fmt.Printf("Login failed: %v\n", err)
		os.Exit(1)
	}
	if err := client.Connect(ctx); err != nil {
		fmt.Printf("Connect failed: %v\n", err)
		os.Exit(1)
	}
	return client
}

func printTemp(label string, v *float64) {
	if v == nil {
		fmt.Printf("%s: unknown\n", label)
		return
	}
	fmt.Printf("%s: %.1f C\n", label, *v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current thermostat state",
	Run: func(cmd *cobra.Command, args []string) {
		client := getClient()
		defer client.Disconnect()

		thermo := client.Thermostat()
		fmt.Printf("Thermostat %s (serial %s, host %s)\n", thermo.GatewayID, thermo.Serial, thermo.HostName)

		state, err := client.StateRead(context.Background())
		if err != nil {
			fmt.Printf("Error reading state: %v\n", err)
			os.Exit(1)
		}

		hvac := state.HVACMode
		if hvac == "" {
			hvac = "unknown"
		}
		preset := state.Preset
		if preset == "" {
			preset = "unknown"
		}
		fmt.Printf("HVAC: %s, Preset: %s\n", hvac, preset)
		printTemp("Target", state.TargetC)
		printTemp("Ambient", state.AmbientC)
		if state.HumidityPct != nil {
			fmt.Printf("Humidity: %d%%\n", *state.HumidityPct)
		}
		if state.NextChangeMins != nil {
			fmt.Printf("Next change: in %d min\n", *state.NextChangeMins)
		}
		printTemp("Next target", state.NextTargetC)
		printTemp("Frost protect", state.FrostC)
	},
}

var setTempCmd = &cobra.Command{
	Use:   "set-temp [celsius]",
	Short: "Set the target temperature",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		celsius, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Printf("Invalid temperature '%s': must be a number\n", args[0])
			os.Exit(1)
		}

		client := getClient()
		defer client.Disconnect()

		if err := client.SetTargetTemp(context.Background(), celsius); err != nil {
			fmt.Printf("Error setting target: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Command sent successfully.")
	},
}

var hvacCmd = &cobra.Command{
	Use:   "hvac [on|off]",
	Short: "Switch heating on or off",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var heat bool
		switch args[0] {
		case "on":
			heat = true
		case "off":
			heat = false
		default:
			fmt.Printf("Invalid mode '%s': must be on or off\n", args[0])
			os.Exit(1)
		}

		client := getClient()
		defer client.Disconnect()

		if err := client.SetHVAC(context.Background(), heat); err != nil {
			fmt.Printf("Error setting hvac: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Command sent successfully.")
	},
}

var presetCmd = &cobra.Command{
	Use:   "preset [away|home]",
	Short: "Select the away or home preset",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := getClient()
		defer client.Disconnect()

		if err := client.SetPreset(context.Background(), args[0]); err != nil {
			fmt.Printf("Error setting preset: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Command sent successfully.")
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold [celsius] [minutes]",
	Short: "Hold a target temperature for a number of minutes",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		celsius, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Printf("Invalid temperature '%s': must be a number\n", args[0])
			os.Exit(1)
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes <= 0 {
			fmt.Printf("Invalid duration '%s': must be a positive number of minutes\n", args[1])
			os.Exit(1)
		}

		client := getClient()
		defer client.Disconnect()

		if err := client.SetTimedHold(context.Background(), celsius, minutes); err != nil {
			fmt.Printf("Error setting hold: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Command sent successfully.")
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream push notifications until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		client := getClient()
		defer client.Disconnect()

		state, err := client.StateRead(context.Background())
		if err != nil {
			fmt.Printf("Error reading baseline state: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Watching for updates (Ctrl-C to stop)...")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				if err := client.Err(); err != nil {
					fmt.Printf("Connection stopped: %v\n", err)
					os.Exit(1)
				}
				return
			case env := <-client.Updates():
				n, ok := beanbag.ParseNotify(env)
				if !ok {
					raw, _ := json.Marshal(env)
					fmt.Printf("Other notify: %s\n", raw)
					continue
				}
				if state.ApplyItem(n.Item) {
					fmt.Printf("Item %d changed (value %d)\n", n.Item.ID, n.Item.Value)
				}
			}
		}
	},
}

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Dump the raw zone listing",
	Run: func(cmd *cobra.Command, args []string) {
		client := getClient()
		defer client.Disconnect()

		raw, err := client.ZonesRead(context.Background())
		if err != nil {
			fmt.Printf("Error reading zones: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(raw))
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Dump raw device metadata and configuration",
	Run: func(cmd *cobra.Command, args []string) {
		client := getClient()
		defer client.Disconnect()

		ctx := context.Background()
		meta, err := client.DeviceMetadata(ctx)
		if err != nil {
			fmt.Printf("Error reading metadata: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(meta))

		conf, err := client.DeviceConfig(ctx)
		if err != nil {
			fmt.Printf("Error reading config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(conf))
	},
}
