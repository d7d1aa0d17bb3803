package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beanbag",
	Short: "SecureControls / Beanbag thermostat CLI",
	Long:  `A command line interface for controlling SecureControls (Beanbag) cloud thermostats.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
